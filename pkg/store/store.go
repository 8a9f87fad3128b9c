// Package store persists one conversational record per user id.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"chatflow/pkg/config"
)

// Backend is a key-addressed durable record store with whole-record replace.
type Backend interface {
	// Load returns ErrNotFound when no record exists for userID.
	Load(ctx context.Context, userID string) (UserContext, error)
	Save(ctx context.Context, record UserContext) error
	IDs(ctx context.Context) ([]string, error)
	Close() error
}

// Store resolves user contexts, creating them on first contact.
//
// It does not lock: callers serialize access per user id.
type Store struct {
	backend Backend
	log     *slog.Logger
}

// New wraps a backend.
func New(backend Backend, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}

	return &Store{backend: backend, log: log.With("component", "store")}
}

// Open builds the backend selected by cfg.
func Open(cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	var (
		backend Backend
		err     error
	)

	switch strings.TrimSpace(cfg.Backend) {
	case "", config.StoreFile:
		backend, err = NewFileBackend(cfg.Path)
	case config.StoreSQLite:
		path := strings.TrimSpace(cfg.Path)
		if path == "" {
			path = "~/.chatflow/contexts.db"
		}
		backend, err = OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if cfg.CacheSize > 0 {
		cached, err := NewCachedBackend(backend, cfg.CacheSize)
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
		backend = cached
	}

	return New(backend, log), nil
}

// Get returns the record for userID, creating and persisting a fresh one when
// none exists. profile is only used on creation.
func (s *Store) Get(ctx context.Context, userID string, profile map[string]any) (UserContext, error) {
	record, err := s.backend.Load(ctx, userID)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return UserContext{}, err
	}

	record = NewUserContext(userID, profile)
	if err := s.backend.Save(ctx, record); err != nil {
		return UserContext{}, err
	}
	s.log.Debug("Created user context", "user_id", userID)

	if stored, err := record.decoded(); err == nil {
		return stored, nil
	}
	return record.Clone(), nil
}

// Put replaces the stored record for record.ID.
func (s *Store) Put(ctx context.Context, record UserContext) error {
	return s.backend.Save(ctx, record.Clone())
}

// IDs lists every user id with a stored record.
func (s *Store) IDs(ctx context.Context) ([]string, error) {
	return s.backend.IDs(ctx)
}

// Close releases backend resources.
func (s *Store) Close() error {
	return s.backend.Close()
}
