package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/cardvault/storefront/internal/jobs"
)

// SessionPurger removes session records that expired before a cutoff.
type SessionPurger interface {
	PurgeExpiredSessions(ctx context.Context, before time.Time) (int64, error)
}

// SessionsCleanupJob deletes expired login session records from Postgres.
// Redis session keys expire on their own TTL.
type SessionsCleanupJob struct {
	Purger  SessionPurger
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewSessionsCleanupJob initialises the cleanup handler.
func NewSessionsCleanupJob(purger SessionPurger, logger *slog.Logger, metrics *jobmetrics.Metrics) *SessionsCleanupJob {
	return &SessionsCleanupJob{
		Purger:  purger,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one cleanup run.
func (j *SessionsCleanupJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Purger == nil {
		return errors.New("sessions cleanup: handler not configured")
	}
	var payload SessionsCleanupPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	if payload.GraceMinutes < 0 {
		payload.GraceMinutes = 0
	}

	tracker := j.Metrics.Track(TaskSessionsCleanup)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	cutoff := j.now().Add(-time.Duration(payload.GraceMinutes) * time.Minute)
	logger := j.logger().With(slog.Time("cutoff", cutoff))
	purged, err := j.Purger.PurgeExpiredSessions(ctx, cutoff)
	if err != nil {
		logger.Error("sessions cleanup failed", slog.Any("error", err))
		return err
	}
	j.Metrics.AddPurged("postgres", purged)
	logger.Info("sessions cleanup finished", slog.Int64("purged", purged))
	return nil
}

func (j *SessionsCleanupJob) now() time.Time {
	if j.clock == nil {
		return time.Now().UTC()
	}
	return j.clock()
}

func (j *SessionsCleanupJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}
