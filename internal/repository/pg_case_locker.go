package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/entomex/analysis-service/internal/database"
	"github.com/entomex/analysis-service/internal/workflow"
)

// Compile-time interface verification.
var _ workflow.CaseLocker = (*PgCaseLocker)(nil)

// PgCaseLocker implements the per-case exclusive lease with PostgreSQL
// session advisory locks. Session locks belong to one connection, so each
// held lock pins a dedicated pooled connection until Release; the lock
// therefore disappears automatically if the holding process dies.
type PgCaseLocker struct {
	db *database.DB

	mu   sync.Mutex
	held map[int64]*pgxpool.Conn
}

// NewPgCaseLocker creates a case locker backed by the given database.
func NewPgCaseLocker(db *database.DB) *PgCaseLocker {
	return &PgCaseLocker{
		db:   db,
		held: make(map[int64]*pgxpool.Conn),
	}
}

// TryAcquire attempts to take the advisory lock for key without blocking.
// Returns false when another session holds it.
func (l *PgCaseLocker) TryAcquire(ctx context.Context, key int64) (bool, error) {
	conn, err := l.db.Pool().Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to acquire connection for case lock: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		conn.Release()
		return false, fmt.Errorf("failed to acquire case lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return false, nil
	}

	l.mu.Lock()
	l.held[key] = conn
	l.mu.Unlock()
	return true, nil
}

// Release unlocks key and returns its pinned connection to the pool.
func (l *PgCaseLocker) Release(ctx context.Context, key int64) error {
	l.mu.Lock()
	conn, ok := l.held[key]
	delete(l.held, key)
	l.mu.Unlock()

	if !ok {
		return nil
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", key); err != nil {
		return fmt.Errorf("failed to release case lock: %w", err)
	}
	return nil
}

// Close returns every pinned connection to the pool. Dropping the connections
// releases their session locks on the server side.
func (l *PgCaseLocker) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, conn := range l.held {
		conn.Release()
		delete(l.held, key)
	}
}
