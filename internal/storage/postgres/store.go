package postgres

import (
	"context"
	"sync"

	"github.com/jkaninda/kijenzi/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
// It wraps the existing DB and lazily creates sub-store repositories.
type Store struct {
	pgDB *DB

	mu       sync.Mutex
	projects storage.ProjectStore
	messages storage.MessageStore
	events   storage.EventStore
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB}
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.pgDB.Migrate(ctx)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// --- Sub-store accessors ---

func (s *Store) Projects() storage.ProjectStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.projects == nil {
		s.projects = NewProjectRepository(s.pgDB.GormDB())
	}
	return s.projects
}

func (s *Store) Messages() storage.MessageStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.messages == nil {
		s.messages = NewMessageRepository(s.pgDB.GormDB())
	}
	return s.messages
}

func (s *Store) Events() storage.EventStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		s.events = NewEventRepository(s.pgDB.GormDB())
	}
	return s.events
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
