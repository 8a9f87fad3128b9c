package store

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedBackend is a write-through LRU cache in front of another backend.
type CachedBackend struct {
	next  Backend
	cache *lru.Cache[string, UserContext]
}

// NewCachedBackend wraps next with an LRU holding up to size records.
func NewCachedBackend(next Backend, size int) (*CachedBackend, error) {
	cache, err := lru.New[string, UserContext](size)
	if err != nil {
		return nil, fmt.Errorf("create context cache: %w", err)
	}

	return &CachedBackend{next: next, cache: cache}, nil
}

func (b *CachedBackend) Load(ctx context.Context, userID string) (UserContext, error) {
	if record, ok := b.cache.Get(userID); ok {
		return record.Clone(), nil
	}

	record, err := b.next.Load(ctx, userID)
	if err != nil {
		return UserContext{}, err
	}
	b.cache.Add(userID, record.Clone())

	return record, nil
}

func (b *CachedBackend) Save(ctx context.Context, record UserContext) error {
	if err := b.next.Save(ctx, record); err != nil {
		// The durable copy is now unknown; force the next read through.
		b.cache.Remove(record.ID)
		return err
	}

	stored, err := record.decoded()
	if err != nil {
		b.cache.Remove(record.ID)
		return nil
	}
	b.cache.Add(record.ID, stored)

	return nil
}

func (b *CachedBackend) IDs(ctx context.Context) ([]string, error) {
	return b.next.IDs(ctx)
}

func (b *CachedBackend) Close() error {
	b.cache.Purge()
	return b.next.Close()
}
