package db

import (
	"context"
	"time"

	"bagbot/internal/types"
)

// ScheduledJobRepository persists the scheduler's pending jobs in the
// scheduled_jobs table. It is the postgres:// alternative to the JSON file
// store and keeps the same whole-list replace semantics.
type ScheduledJobRepository struct {
	db DBTX
}

// NewScheduledJobRepository creates a new ScheduledJobRepository backed by
// the given database connection (pool or transaction).
func NewScheduledJobRepository(db DBTX) *ScheduledJobRepository {
	return &ScheduledJobRepository{db: db}
}

// EnsureSchema creates the scheduled_jobs table when it does not exist.
func (r *ScheduledJobRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS scheduled_jobs (
		   user_id  TEXT        NOT NULL,
		   fire_at  TIMESTAMPTZ NOT NULL,
		   saved_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		 )`,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create scheduled_jobs table", err)
	}
	return nil
}

// Save replaces the table contents with records in a single statement, so a
// concurrent Load sees either the old or the new list.
//
// SQL pattern:
//
//	WITH cleared AS (DELETE FROM scheduled_jobs)
//	INSERT INTO scheduled_jobs (user_id, fire_at)
//	SELECT * FROM unnest($1::text[], $2::timestamptz[])
func (r *ScheduledJobRepository) Save(ctx context.Context, records []types.JobRecord) error {
	userIDs := make([]string, len(records))
	fireAts := make([]time.Time, len(records))
	for i, rec := range records {
		userIDs[i] = rec.UserID
		fireAts[i] = rec.Date.UTC()
	}

	_, err := r.db.Exec(ctx,
		`WITH cleared AS (DELETE FROM scheduled_jobs)
		 INSERT INTO scheduled_jobs (user_id, fire_at)
		 SELECT * FROM unnest($1::text[], $2::timestamptz[])`,
		userIDs,
		fireAts,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to save scheduled jobs", err)
	}
	return nil
}

// Load returns every persisted job ordered by fire time.
func (r *ScheduledJobRepository) Load(ctx context.Context) ([]types.JobRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT user_id, fire_at
		 FROM scheduled_jobs
		 ORDER BY fire_at ASC`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load scheduled jobs", err)
	}
	defer rows.Close()

	var records []types.JobRecord
	for rows.Next() {
		var rec types.JobRecord
		if err := rows.Scan(&rec.UserID, &rec.Date); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan scheduled job", err)
		}
		rec.Date = rec.Date.UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating scheduled jobs", err)
	}
	return records, nil
}
