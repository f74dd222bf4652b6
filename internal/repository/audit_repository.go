package repository

import (
	"context"

	"github.com/entomex/analysis-service/internal/domain"
)

// AuditRepository appends audit log entries. Entries are append-only; there
// is deliberately no update or delete operation.
type AuditRepository interface {
	// Insert writes one audit log entry. Old and new values are stored as
	// JSON snapshots.
	Insert(ctx context.Context, entry *domain.AuditLogEntry) error
}
