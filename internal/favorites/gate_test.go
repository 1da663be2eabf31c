package favorites

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weatherfav/internal/domain"
	"weatherfav/internal/storage"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestGate(t *testing.T, opts ...Option) (*Gate, *storage.BadgerRepository) {
	t.Helper()
	repo, err := storage.NewInMemoryRepository(quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return NewGate(repo, quietLogger(), opts...), repo
}

func candidate(userID, city string, lat, lon float64) domain.Candidate {
	return domain.Candidate{UserID: userID, City: city, Coordinates: &domain.Coordinates{Lat: lat, Lon: lon}}
}

func TestGate_SubmitAndList(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	fav, err := gate.Submit(ctx, candidate("u1", "London", 51.5074, -0.1278))
	require.NoError(t, err)
	assert.NotEmpty(t, fav.ID)
	assert.Equal(t, "London", fav.City)
	assert.Equal(t, domain.Coordinates{Lat: 51.5074, Lon: -0.1278}, fav.Coordinates)

	favs, err := gate.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, favs, 1)
	assert.Equal(t, fav, favs[0])
}

func TestGate_SubmitDuplicate(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	first, err := gate.Submit(ctx, candidate("u1", "Tokyo", 35.6762, 139.6503))
	require.NoError(t, err)

	for _, c := range []domain.Candidate{
		candidate("u1", "tokyo", 35.6762, 139.6503),
		candidate("U1", " TOKYO ", 0, 0),
		candidate("u1", "Tokyo", 35.6762, 139.6503),
	} {
		_, err := gate.Submit(ctx, c)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrConflict)

		var conflict *ConflictError
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, first, conflict.Existing)
		assert.Equal(t, domain.Key{UserID: "u1", City: "tokyo"}, conflict.Requested)
	}

	favs, err := gate.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, favs, 1, "duplicates never change the collection")
}

func TestGate_SubmitValidation(t *testing.T) {
	gate, repo := newTestGate(t)
	ctx := context.Background()

	_, err := gate.Submit(ctx, domain.Candidate{UserID: "", City: "Paris"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = gate.Submit(ctx, domain.Candidate{UserID: "u1", City: "Paris"})
	assert.ErrorIs(t, err, domain.ErrValidation, "coordinates are required")

	favs, err := repo.ListFavorites(ctx)
	require.NoError(t, err)
	assert.Empty(t, favs)
}

func TestGate_ConcurrentSubmitSameKey(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	for _, n := range []int{2, 3, 25} {
		t.Run(strconv.Itoa(n), func(t *testing.T) {
			userID := fmt.Sprintf("user-%d", n)
			created, conflicts := submitConcurrently(t, gate, n, candidate(userID, "London", 51.5074, -0.1278))
			assert.Equal(t, 1, created)
			assert.Equal(t, n-1, conflicts)

			favs, err := gate.List(ctx, userID)
			require.NoError(t, err)
			assert.Len(t, favs, 1)
		})
	}
}

func TestGate_StripeLockSerializesNonAtomicStore(t *testing.T) {
	repo := newRacyRepo()
	gate := NewGate(repo, quietLogger())

	created, conflicts := submitConcurrently(t, gate, 10, candidate("u1", "Berlin", 52.52, 13.405))
	assert.Equal(t, 1, created)
	assert.Equal(t, 9, conflicts)
	assert.Len(t, repo.favs, 1)
}

func submitConcurrently(t *testing.T, gate *Gate, n int, c domain.Candidate) (created, conflicts int) {
	t.Helper()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		start = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := gate.Submit(context.Background(), c)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	return created, conflicts
}

func TestGate_ListFiltersByUser(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	_, err := gate.Submit(ctx, candidate("Alice", "Rome", 41.9, 12.5))
	require.NoError(t, err)
	_, err = gate.Submit(ctx, candidate("bob", "Rome", 41.9, 12.5))
	require.NoError(t, err)

	favs, err := gate.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, favs, 1)
	assert.Equal(t, "Alice", favs[0].UserID)

	favs, err = gate.List(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, favs)
}

func TestGate_RemoveRecordsHistory(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	fav, err := gate.Submit(ctx, candidate("u1", "Oslo", 59.91, 10.75))
	require.NoError(t, err)

	require.NoError(t, gate.Remove(ctx, fav.ID))
	assert.ErrorIs(t, gate.Remove(ctx, fav.ID), storage.ErrNotFound)

	_, err = gate.Get(ctx, fav.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	history, err := gate.History(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.ActionAdd, history[0].Details.Action)
	assert.Equal(t, domain.ActionRemove, history[1].Details.Action)
	assert.Equal(t, "Oslo", history[1].Details.Location)
}

func TestGate_Reset(t *testing.T) {
	ctx := context.Background()

	disabled, _ := newTestGate(t)
	assert.False(t, disabled.ResetEnabled())
	assert.ErrorIs(t, disabled.Reset(ctx), ErrResetDisabled)

	gate, _ := newTestGate(t, WithReset())
	assert.True(t, gate.ResetEnabled())
	_, err := gate.Submit(ctx, candidate("u1", "Lima", -12.04, -77.04))
	require.NoError(t, err)

	require.NoError(t, gate.Reset(ctx))
	favs, err := gate.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, favs)

	_, err = gate.Submit(ctx, candidate("u1", "Lima", -12.04, -77.04))
	assert.NoError(t, err, "key is free after reset")
}

func TestGate_RecordHistory(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	_, err := gate.RecordHistory(ctx, domain.HistoryEntry{Type: "bogus", UserID: "u1"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	entry, err := gate.RecordHistory(ctx, domain.HistoryEntry{
		Type:    domain.HistorySearch,
		UserID:  "u1",
		Details: domain.HistoryDetails{Query: "lisbon"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
}

func TestGate_StoreUnavailableIsNotNoConflict(t *testing.T) {
	repo := &failingRepo{Repository: newRacyRepo()}
	gate := NewGate(repo, quietLogger(), WithReset())
	ctx := context.Background()

	_, err := gate.Submit(ctx, candidate("u1", "Cairo", 30.04, 31.24))
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	assert.NotErrorIs(t, err, ErrConflict)

	_, err = gate.List(ctx, "")
	assert.ErrorIs(t, err, storage.ErrUnavailable)

	assert.ErrorIs(t, gate.Reset(ctx), storage.ErrUnavailable)
}

// racyRepo is a storage.Repository whose CreateIfAbsent is a plain
// check-then-write with a pause in between, so only the gate's lock keeps
// concurrent submissions of one key apart.
type racyRepo struct {
	mu      sync.Mutex
	favs    []domain.Favorite
	history []domain.HistoryEntry
	nextID  int
}

func newRacyRepo() *racyRepo {
	return &racyRepo{}
}

func (r *racyRepo) snapshot() []domain.Favorite {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Favorite(nil), r.favs...)
}

func (r *racyRepo) ListFavorites(context.Context) ([]domain.Favorite, error) {
	return r.snapshot(), nil
}

func (r *racyRepo) GetFavorite(_ context.Context, id string) (domain.Favorite, error) {
	for _, f := range r.snapshot() {
		if f.ID == id {
			return f, nil
		}
	}
	return domain.Favorite{}, storage.ErrNotFound
}

func (r *racyRepo) CreateFavorite(ctx context.Context, fav domain.Favorite) (domain.Favorite, error) {
	created, existing, err := r.CreateIfAbsent(ctx, fav)
	if existing != nil {
		return domain.Favorite{}, storage.ErrDuplicate
	}
	return created, err
}

func (r *racyRepo) CreateIfAbsent(_ context.Context, fav domain.Favorite) (domain.Favorite, *domain.Favorite, error) {
	for _, f := range r.snapshot() {
		if f.Key() == fav.Key() {
			return domain.Favorite{}, &f, nil
		}
	}

	time.Sleep(5 * time.Millisecond)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	fav.ID = strconv.Itoa(r.nextID)
	r.favs = append(r.favs, fav)
	return fav, nil, nil
}

func (r *racyRepo) DeleteFavorite(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, f := range r.favs {
		if f.ID == id {
			r.favs = append(r.favs[:i], r.favs[i+1:]...)
			return nil
		}
	}
	return storage.ErrNotFound
}

func (r *racyRepo) ResetAll(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.favs = nil
	return nil
}

func (r *racyRepo) AppendHistory(_ context.Context, e domain.HistoryEntry) (domain.HistoryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, e)
	return e, nil
}

func (r *racyRepo) ListHistory(context.Context, string) ([]domain.HistoryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.HistoryEntry(nil), r.history...), nil
}

func (r *racyRepo) Close() error { return nil }

// failingRepo simulates a storage medium that cannot be read or written.
type failingRepo struct {
	storage.Repository
}

var errDisk = fmt.Errorf("%w: disk I/O error", storage.ErrUnavailable)

func (failingRepo) ListFavorites(context.Context) ([]domain.Favorite, error) {
	return nil, errDisk
}

func (failingRepo) CreateIfAbsent(context.Context, domain.Favorite) (domain.Favorite, *domain.Favorite, error) {
	return domain.Favorite{}, nil, errDisk
}

func (failingRepo) ResetAll(context.Context) error {
	return errDisk
}
