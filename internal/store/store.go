package store

import (
	"context"
	"errors"

	"github.com/devaloi/chatsync/internal/domain"
)

// DefaultCapacity is the number of messages retained by cache invalidation.
const DefaultCapacity = 200

// ErrInvalidCapacity is returned when eviction is asked to keep a negative
// number of rows.
var ErrInvalidCapacity = errors.New("capacity must not be negative")

// Store defines the message cache interface.
type Store interface {
	// Upsert inserts msg, replacing any row with the same ID.
	Upsert(ctx context.Context, msg domain.Message) error
	// ScanAll returns every retained message in insertion order, oldest first.
	ScanAll(ctx context.Context) ([]domain.Message, error)
	// EvictToCapacity deletes all but the `capacity` most recently inserted
	// messages and returns how many rows were deleted.
	EvictToCapacity(ctx context.Context, capacity int) (int, error)
	// Clear deletes every message.
	Clear(ctx context.Context) error
	// Close releases any resources held by the store.
	Close() error
}
