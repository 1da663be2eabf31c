package storage

import (
	"context"
	"errors"

	"weatherfav/internal/domain"
)

var (
	// ErrNotFound is returned when a record with the requested id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned by CreateFavorite when the (userId, city) key is taken.
	ErrDuplicate = errors.New("duplicate favorite")

	// ErrUnavailable wraps every failure of the underlying storage medium.
	// Callers must surface it as a server error and never read it as "absent".
	ErrUnavailable = errors.New("store unavailable")
)

// Repository defines the interface for favorite and history persistence.
// This allows us to swap storage implementations (on-disk BadgerDB, in-memory
// BadgerDB for tests) without changing the admission logic that uses it.
type Repository interface {
	// ListFavorites returns the full collection in insertion order.
	ListFavorites(ctx context.Context) ([]domain.Favorite, error)

	// GetFavorite returns one record by id.
	GetFavorite(ctx context.Context, id string) (domain.Favorite, error)

	// CreateFavorite assigns a new id and appends the record. It fails with
	// ErrDuplicate if a record with the same normalized key already exists.
	CreateFavorite(ctx context.Context, fav domain.Favorite) (domain.Favorite, error)

	// CreateIfAbsent atomically inserts fav unless a record with the same
	// normalized (userId, city) key exists. Exactly one of the returned
	// created record and existing pointer is meaningful: existing is non-nil
	// when nothing was written.
	CreateIfAbsent(ctx context.Context, fav domain.Favorite) (created domain.Favorite, existing *domain.Favorite, err error)

	// DeleteFavorite removes one record and its uniqueness index entry.
	DeleteFavorite(ctx context.Context, id string) error

	// ResetAll clears the favorites collection. Test and admin use only.
	ResetAll(ctx context.Context) error

	// AppendHistory stores a history entry, assigning its id and timestamp if unset.
	AppendHistory(ctx context.Context, entry domain.HistoryEntry) (domain.HistoryEntry, error)

	// ListHistory returns history entries in insertion order. An empty userID
	// returns every entry.
	ListHistory(ctx context.Context, userID string) ([]domain.HistoryEntry, error)

	// Close gracefully shuts down the repository.
	Close() error
}
