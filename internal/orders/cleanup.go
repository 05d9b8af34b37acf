package orders

import (
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// CleanupJob periodically purges expired idempotency records so the table
// does not grow without bound.
type CleanupJob struct {
	db       *Database
	cron     *cron.Cron
	schedule string
}

// NewCleanupJob creates an hourly cleanup job for the given database
func NewCleanupJob(db *Database) *CleanupJob {
	return &CleanupJob{
		db:       db,
		cron:     cron.New(),
		schedule: "@hourly",
	}
}

// Start registers and starts the cleanup schedule
func (j *CleanupJob) Start() error {
	if _, err := j.cron.AddFunc(j.schedule, j.run); err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

// Stop stops the schedule; a run already in progress completes
func (j *CleanupJob) Stop() {
	j.cron.Stop()
}

func (j *CleanupJob) run() {
	logger := log.With().Str("component", "idempotency_cleanup").Logger()

	deleted, err := j.db.DeleteExpiredIdempotencyRecords()
	if err != nil {
		logger.Error().Err(err).Msg("failed to purge expired idempotency records")
		return
	}
	if deleted > 0 {
		logger.Info().Int64("deleted", deleted).Msg("purged expired idempotency records")
	}
}
