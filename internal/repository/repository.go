// Package repository provides data access interfaces and implementations
// for the Analysis Service.
//
// # Overview
//
// This package defines repository interfaces and their PostgreSQL implementations
// following the repository pattern to abstract data persistence from workflow logic.
//
// # Repository Interfaces
//
// The package provides the following repository interfaces:
//
//   - AnalysisRepository: Manages the per-case AnalysisResult row
//   - CaseRepository: Reads owning case fields and clears the recalculation flag
//   - AuditRepository: Appends audit log entries
//
// PgWorkflowRepository additionally implements workflow.InstanceStore, the
// persistence contract of the durable workflow engine.
//
// # Thread Safety
//
// All repository implementations are safe for concurrent use by multiple goroutines.
// The underlying pgxpool handles connection pooling and synchronization.
//
// # Error Handling
//
// All methods return domain-specific errors from the domain package.
// Wrap database errors with context using fmt.Errorf with %w verb.
// Common errors include:
//
//   - domain.ErrNotFound: Resource does not exist
//   - domain.ErrAlreadyExists: Unique constraint violation
//   - domain.ErrInvalidInput: Invalid parameters provided
//
// # Transactions
//
// Use the DBTX interface to support both pool and transaction contexts.
// Pass a transaction from database.DB.WithTransaction for atomic operations.
package repository

import (
	"github.com/entomex/analysis-service/internal/database"
)

// DBTX is the database interface supporting both pool and transaction contexts.
// This allows repositories to work with both direct pool connections and transactions.
//
// # Constructor Pattern
//
// Repository implementations follow a constructor pattern that accepts DBTX:
//
//	type PgAnalysisRepository struct {
//	    db DBTX
//	}
//
//	func NewPgAnalysisRepository(db DBTX) *PgAnalysisRepository {
//	    return &PgAnalysisRepository{db: db}
//	}
//
// This design enables:
//   - Direct usage with a connection pool for standard operations
//   - Transaction support by passing a transaction (pgx.Tx) instead
//   - Easy testing with mock implementations of DBTX
type DBTX = database.DBTX
