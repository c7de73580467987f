package db

import (
	"context"

	"billfetch/internal/types"
)

// SettingsRepository reads the singleton orchestration_settings row. The
// row is fetched once at the start of each run; edits between runs take
// effect without a restart.
type SettingsRepository struct {
	db DBTX
}

// NewSettingsRepository creates a SettingsRepository.
func NewSettingsRepository(db DBTX) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// DefaultSettings returns the values used when no settings row exists yet.
func DefaultSettings() *types.Settings {
	return &types.Settings{
		MaxRetries:              3,
		MaxParallelRequests:     4,
		BatchSize:               500,
		DefaultWindowDaysBefore: 2,
		DefaultWindowDaysAfter:  5,
		EnableCredentialCheck:   true,
		EnableScraping:          true,
		EnableStatusPoll:        true,
	}
}

// Get returns the settings row, falling back to DefaultSettings when the
// table is empty.
func (r *SettingsRepository) Get(ctx context.Context) (*types.Settings, error) {
	var s types.Settings
	err := r.db.QueryRow(ctx,
		`SELECT max_retries, max_parallel_requests, batch_size,
		        default_window_days_before, default_window_days_after,
		        test_mode_limit,
		        enable_credential_check, enable_scraping, enable_status_poll
		 FROM orchestration_settings
		 LIMIT 1`,
	).Scan(
		&s.MaxRetries, &s.MaxParallelRequests, &s.BatchSize,
		&s.DefaultWindowDaysBefore, &s.DefaultWindowDaysAfter,
		&s.TestModeLimit,
		&s.EnableCredentialCheck, &s.EnableScraping, &s.EnableStatusPoll,
	)
	if err != nil {
		if isNoRows(err) {
			return DefaultSettings(), nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query settings", err)
	}
	return &s, nil
}
