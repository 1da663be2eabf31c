package favorites

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"weatherfav/internal/domain"
	"weatherfav/internal/storage"
)

// Gate decides whether a new favorite may be created given the existing ones,
// and owns every mutation of the favorites collection.
//
// For one normalized (userId, city) key, concurrent Submit calls are
// serialized twice over: by a striped in-process lock around the whole
// check-then-write sequence, and by the repository's atomic CreateIfAbsent.
// Exactly one caller creates the record; the rest get a *ConflictError.
type Gate struct {
	repo  storage.Repository
	log   logrus.FieldLogger
	locks keyLock

	// resetMu is held shared by every check-then-write and exclusively by Reset.
	resetMu    sync.RWMutex
	allowReset bool
}

// Option configures a Gate.
type Option func(*Gate)

// WithReset enables Reset. Leave it off in production.
func WithReset() Option {
	return func(g *Gate) {
		g.allowReset = true
	}
}

// NewGate creates a gate over repo.
func NewGate(repo storage.Repository, logger logrus.FieldLogger, opts ...Option) *Gate {
	g := &Gate{
		repo: repo,
		log:  logger.WithField("component", "admission_gate"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ResetEnabled reports whether Reset is allowed on this gate.
func (g *Gate) ResetEnabled() bool {
	return g.allowReset
}

// Submit admits a candidate favorite. It returns the stored record on
// success, a *domain.ValidationError for bad input, a *ConflictError when the
// key is taken, or an error wrapping storage.ErrUnavailable.
func (g *Gate) Submit(ctx context.Context, c domain.Candidate) (domain.Favorite, error) {
	if err := c.Validate(); err != nil {
		return domain.Favorite{}, err
	}

	key := c.Key()
	log := g.log.WithFields(logrus.Fields{
		"user_id": c.UserID,
		"city":    c.City,
	})

	g.resetMu.RLock()
	defer g.resetMu.RUnlock()
	unlock := g.locks.lock(key.String())
	defer unlock()

	created, existing, err := g.repo.CreateIfAbsent(ctx, c.Favorite())
	if err != nil {
		log.WithError(err).Error("Failed to admit favorite")
		return domain.Favorite{}, fmt.Errorf("failed to admit favorite: %w", err)
	}
	if existing != nil {
		log.WithField("existing_id", existing.ID).Info("Rejected duplicate favorite")
		return domain.Favorite{}, &ConflictError{Existing: *existing, Requested: key}
	}

	log.WithField("id", created.ID).Info("Favorite admitted")
	g.record(ctx, created, domain.ActionAdd)
	return created, nil
}

// List returns all favorites, or only those of userID (compared
// case-insensitively) when it is non-empty.
func (g *Gate) List(ctx context.Context, userID string) ([]domain.Favorite, error) {
	favs, err := g.repo.ListFavorites(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list favorites: %w", err)
	}
	if strings.TrimSpace(userID) == "" {
		return favs, nil
	}

	want := domain.NewKey(userID, "").UserID
	filtered := favs[:0]
	for _, f := range favs {
		if f.Key().UserID == want {
			filtered = append(filtered, f)
		}
	}
	return filtered, nil
}

// Get returns one favorite by id.
func (g *Gate) Get(ctx context.Context, id string) (domain.Favorite, error) {
	return g.repo.GetFavorite(ctx, id)
}

// Remove deletes a favorite by id. It returns storage.ErrNotFound on a miss.
func (g *Gate) Remove(ctx context.Context, id string) error {
	g.resetMu.RLock()
	defer g.resetMu.RUnlock()

	fav, err := g.repo.GetFavorite(ctx, id)
	if err != nil {
		return err
	}

	unlock := g.locks.lock(fav.Key().String())
	defer unlock()

	if err := g.repo.DeleteFavorite(ctx, id); err != nil {
		return err
	}
	g.record(ctx, fav, domain.ActionRemove)
	return nil
}

// Reset clears the whole favorites collection. It waits for in-flight
// submissions and removals and blocks new ones until it is done.
func (g *Gate) Reset(ctx context.Context) error {
	if !g.allowReset {
		return ErrResetDisabled
	}

	g.resetMu.Lock()
	defer g.resetMu.Unlock()

	if err := g.repo.ResetAll(ctx); err != nil {
		g.log.WithError(err).Error("Failed to reset favorites")
		return fmt.Errorf("failed to reset favorites: %w", err)
	}
	g.log.Warn("Favorites reset")
	return nil
}

// RecordHistory validates and stores a client-submitted history entry.
func (g *Gate) RecordHistory(ctx context.Context, entry domain.HistoryEntry) (domain.HistoryEntry, error) {
	if err := entry.Validate(); err != nil {
		return domain.HistoryEntry{}, err
	}
	return g.repo.AppendHistory(ctx, entry)
}

// History returns history entries, optionally filtered by user.
func (g *Gate) History(ctx context.Context, userID string) ([]domain.HistoryEntry, error) {
	return g.repo.ListHistory(ctx, strings.TrimSpace(userID))
}

// record appends a favorite history entry. The favorite change has already
// been committed, so a failure here is logged and not returned.
func (g *Gate) record(ctx context.Context, fav domain.Favorite, action domain.HistoryAction) {
	coords := fav.Coordinates
	_, err := g.repo.AppendHistory(ctx, domain.HistoryEntry{
		Type:   domain.HistoryFavorite,
		UserID: fav.UserID,
		Details: domain.HistoryDetails{
			Action:      action,
			Location:    fav.City,
			Coordinates: &coords,
		},
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		g.log.WithError(err).WithFields(logrus.Fields{
			"id":     fav.ID,
			"action": action,
		}).Warn("Failed to record favorite history")
	}
}
