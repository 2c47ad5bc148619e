package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cardvault/storefront/internal/platform/db"
)

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	ActorID  string
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	now func() time.Time
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger() *AuditLogger {
	return &AuditLogger{now: time.Now}
}

// Record persists the log entry using q, normally the transaction that
// performed the audited change.
func (l *AuditLogger) Record(ctx context.Context, q db.Querier, log AuditLog) error {
	if l == nil {
		return errors.New("audit logger not initialised")
	}
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	if log.At.IsZero() {
		log.At = l.now().UTC()
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `INSERT INTO audit_logs (actor_id, action, entity, entity_id, meta, occurred_at) VALUES ($1, $2, $3, $4, $5, $6)`, log.ActorID, log.Action, log.Entity, log.EntityID, metaJSON, log.At)
	return err
}
