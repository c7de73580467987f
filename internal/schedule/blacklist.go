package schedule

import (
	"time"

	"billfetch/internal/types"
)

// Filter answers "may we call the vendor for this account?" against the
// blacklist entries loaded at the start of a run. Matching is in-memory; a
// run sees a consistent snapshot even if entries change mid-run.
type Filter struct {
	entries []*types.BlacklistEntry
}

// NewFilter creates a Filter over a snapshot of blacklist entries.
func NewFilter(entries []*types.BlacklistEntry) *Filter {
	return &Filter{entries: entries}
}

// Excluded reports whether any entry blocks the given account for the given
// request type on the given date, returning the first matching entry.
// Exclusion is never an error: blacklisted work is counted as skipped and
// picked up again once the entry expires.
func (f *Filter) Excluded(acct *types.Account, rt types.RequestType, on time.Time) (bool, *types.BlacklistEntry) {
	for _, e := range f.entries {
		if e.Matches(acct, rt, on) {
			return true, e
		}
	}
	return false, nil
}

// Size returns the number of entries in the snapshot.
func (f *Filter) Size() int {
	return len(f.entries)
}
