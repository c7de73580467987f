package db

import (
	"context"
	"time"

	"billfetch/internal/types"
)

// BlacklistRepository provides read access to the vendor_blacklist table.
// Entries are a read-only filter during a run; the list is loaded once per
// run and matched in memory.
type BlacklistRepository struct {
	db DBTX
}

// NewBlacklistRepository creates a BlacklistRepository.
func NewBlacklistRepository(db DBTX) *BlacklistRepository {
	return &BlacklistRepository{db: db}
}

// ListActive returns active entries whose effective date range covers the
// given date. Entries with open-ended ranges are included.
func (r *BlacklistRepository) ListActive(ctx context.Context, on time.Time) ([]*types.BlacklistEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, vendor_code, account_id, credential_id, exclusion_type,
		        effective_from, effective_to, active
		 FROM vendor_blacklist
		 WHERE active
		   AND (effective_from IS NULL OR effective_from <= $1)
		   AND (effective_to IS NULL OR effective_to >= $1)`,
		on,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query blacklist", err)
	}
	defer rows.Close()

	var entries []*types.BlacklistEntry
	for rows.Next() {
		var e types.BlacklistEntry
		if err := rows.Scan(
			&e.ID, &e.VendorCode, &e.AccountID, &e.CredentialID, &e.Exclusion,
			&e.EffectiveFrom, &e.EffectiveTo, &e.Active,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan blacklist entry", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating blacklist", err)
	}
	return entries, nil
}
