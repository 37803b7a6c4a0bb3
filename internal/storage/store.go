// Package storage defines the Store interface that abstracts persistence of
// projects, their conversation and run event bookkeeping.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kijenzi/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the unified persistence interface.
// Both SQLite and PostgreSQL backends implement it.
type Store interface {
	// Sub-store accessors. The returned stores share the same connection.
	Projects() ProjectStore
	Messages() MessageStore
	Events() EventStore

	// Ping checks the connection for readiness probes.
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// ProjectStore persists projects.
type ProjectStore interface {
	Create(ctx context.Context, name string) (*domain.Project, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Project, error)
}

// MessageStore persists a project's conversation.
type MessageStore interface {
	// AppendUserMessage stores an instruction as a USER RESULT message.
	AppendUserMessage(ctx context.Context, projectID uuid.UUID, content string) (*domain.Message, error)
	// History returns every message of the project in ascending creation
	// order, fragments included.
	History(ctx context.Context, projectID uuid.UUID) ([]*domain.Message, error)
	// SaveOutcome stores the assistant message of a run and its fragment
	// in one transaction.
	SaveOutcome(ctx context.Context, outcome *domain.Outcome) (*domain.Message, error)
	// LatestPreviewURL returns the sandbox URL of the project's most recent
	// fragment, or "" when there is none.
	LatestPreviewURL(ctx context.Context, projectID uuid.UUID) (string, error)
}

// EventStore records run event processing so redeliveries are not re-run.
type EventStore interface {
	// MarkStarted records an attempt. Repeated calls for the same event are allowed.
	MarkStarted(ctx context.Context, eventID string, projectID uuid.UUID) error
	MarkCompleted(ctx context.Context, eventID string) error
	IsCompleted(ctx context.Context, eventID string) (bool, error)
	// Prune deletes completed records older than before and returns the count.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
