// Package pipeline contains the vendor-facing steps of an orchestration
// run: credential verification, scrape dispatch, and status polling. Every
// remote call in this package is gated by the execution ledger, which
// enforces at most one attempt per job, request type, and UTC calendar day.
package pipeline

import (
	"context"
	"time"

	"github.com/klauspost/compress/zstd"

	"billfetch/internal/schedule"
	"billfetch/internal/types"
	"billfetch/internal/vendor"
)

type executionStore interface {
	InsertIfFirst(ctx context.Context, e *types.Execution) (bool, error)
	UpdateOutcome(ctx context.Context, jobID string, rt types.RequestType, day time.Time, e *types.Execution) error
}

// Ledger is the idempotency guard for paid vendor calls. Begin claims the
// (job, request type, day) slot with a conditional insert before any call is
// made; Finish records the outcome afterward. A failed claim means another
// run — today or earlier today — already spent this slot, and the caller
// must skip the call entirely.
//
// Request and response payloads are zstd-compressed before persistence;
// they are audit material, read rarely and stored for a long time.
type Ledger struct {
	store executionStore
	enc   *zstd.Encoder
	dec   *zstd.Decoder
	now   func() time.Time
}

// NewLedger creates a Ledger.
func NewLedger(store executionStore) (*Ledger, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &Ledger{store: store, enc: enc, dec: dec, now: time.Now}, nil
}

// Begin claims today's execution slot for the job and request type.
// Returns claimed=false when the slot is already spent. The returned day is
// the UTC calendar day the claim belongs to; pass it back to Finish.
func (l *Ledger) Begin(ctx context.Context, jobID string, rt types.RequestType, requestPayload []byte) (claimed bool, day time.Time, err error) {
	started := l.now().UTC()
	day = schedule.Day(started)

	e := &types.Execution{
		JobID:          jobID,
		RequestType:    rt,
		StartedAt:      started,
		ExecutionDate:  day,
		RequestPayload: l.compress(requestPayload),
	}
	claimed, err = l.store.InsertIfFirst(ctx, e)
	return claimed, day, err
}

// Finish records the vendor call's outcome on the claimed slot.
func (l *Ledger) Finish(ctx context.Context, jobID string, rt types.RequestType, day time.Time, resp *vendor.Response, success bool) error {
	finished := l.now().UTC()
	e := &types.Execution{
		FinishedAt: &finished,
		Success:    success,
	}
	if resp != nil {
		e.VendorStatus = resp.Code
		e.HTTPStatus = resp.HTTPStatus
		e.ResponsePayload = l.compress(resp.Raw)
	}
	return l.store.UpdateOutcome(ctx, jobID, rt, day, e)
}

func (l *Ledger) compress(payload []byte) []byte {
	if len(payload) == 0 {
		return nil
	}
	return l.enc.EncodeAll(payload, nil)
}

// Decompress restores a stored payload. Used by audit tooling and tests.
func (l *Ledger) Decompress(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	return l.dec.DecodeAll(payload, nil)
}
