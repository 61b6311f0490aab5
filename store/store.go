package store

import (
	"context"
)

// Store wraps a database driver and exposes typed accessors for every
// entity. One Store is constructed at process start and handed to the
// components that need it.
type Store struct {
	driver Driver
}

// New creates a new Store backed by the given driver.
func New(driver Driver) *Store {
	return &Store{driver: driver}
}

// Migrate creates any missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.driver.Close()
}
