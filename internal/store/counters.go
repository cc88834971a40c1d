package store

import (
	"context"
	"fmt"
)

// Counter names issued by the allocator.
const (
	CounterTask     = "task"
	CounterDocument = "document"
)

// NextID atomically increments the named counter and returns the new value.
// The first call on an empty counter returns 1. The increment runs as a
// single statement, so concurrent callers cannot observe the same value.
func (s *Store) NextID(ctx context.Context, name string) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO counters (name, value) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1
		RETURNING value
	`, name).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("failed to advance counter %s: %w", name, err)
	}
	return value, nil
}

// FormatID renders an allocated id the way it is presented to users:
// a fixed-width zero-padded decimal, "00000001" and up.
func FormatID(id int64) string {
	return fmt.Sprintf("%08d", id)
}
