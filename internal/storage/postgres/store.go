package postgres

import (
	"context"
	"sync"

	"github.com/jkaninda/mlbench/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
// It wraps the existing DB and lazily creates the trace repository.
type Store struct {
	pgDB *DB

	mu     sync.Mutex
	traces storage.TraceStore
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB}
}

func (s *Store) Migrate(_ context.Context) error {
	// PostgreSQL migration is done in Open() via AutoMigrate.
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pgDB.Ping(ctx) }

func (s *Store) Close() error { return s.pgDB.Close() }

func (s *Store) Driver() string { return storage.DriverPostgres }

// DB returns the wrapped connection.
func (s *Store) DB() *DB { return s.pgDB }

func (s *Store) Traces() storage.TraceStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.traces == nil {
		s.traces = NewTraceRepository(s.pgDB.GormDB())
	}
	return s.traces
}
