// Package budget persists per-client daily token counters so limiter state
// survives restarts and is shared across replicas.
package budget

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Lokeessshhh/rag-everything/internal/db"
)

// keyTTL keeps yesterday's counters around briefly for inspection; after
// that they are garbage.
const keyTTL = 48 * time.Hour

// Store adapts the key-value store to the limiter's counter contract.
type Store struct {
	kv db.KVStore
}

// NewStore creates a daily counter store.
func NewStore(kv db.KVStore) *Store {
	return &Store{kv: kv}
}

// IncrBy adds val to the counter and arms the expiry on first touch.
func (s *Store) IncrBy(ctx context.Context, key string, val int64) error {
	if err := s.kv.IncrBy(ctx, key, val); err != nil {
		return fmt.Errorf("increment counter %s: %w", key, err)
	}
	// NX: only the first write of the day sets the TTL.
	if err := s.kv.Expire(ctx, key, keyTTL, true); err != nil {
		return fmt.Errorf("set counter expiry %s: %w", key, err)
	}
	return nil
}

// Get reads the counter. A missing key is zero, not an error: the first
// request of a day always starts from nothing.
func (s *Store) Get(ctx context.Context, key string) (int64, error) {
	raw, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("read counter %s: %w", key, err)
	}
	val, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counter %s value %q: %w", key, raw, err)
	}
	return val, nil
}
