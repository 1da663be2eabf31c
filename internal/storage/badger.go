package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"weatherfav/internal/domain"
)

// Key layout:
//
//	fav:rec:{id, zero padded}            -> JSON favorite
//	fav:idx:{len(userId)}:{userId}{city} -> id (normalized uniqueness index)
//	hist:{seq, zero padded}              -> JSON history entry
//	seq:fav, seq:hist                    -> badger sequences
var (
	favPrefix    = []byte("fav:")
	recordPrefix = []byte("fav:rec:")
	indexPrefix  = []byte("fav:idx:")
	historyPfx   = []byte("hist:")

	favSeqKey  = []byte("seq:fav")
	histSeqKey = []byte("seq:hist")
)

const (
	seqBandwidth   = 100
	maxTxnAttempts = 10
	gcInterval     = 5 * time.Minute
	gcDiscardRatio = 0.7
)

// BadgerRepository implements the Repository interface using BadgerDB.
//
// Uniqueness of the (userId, city) key is enforced inside a single
// serializable read-write transaction: the index lookup and the two writes
// commit together, and a concurrent transaction that touched the same index
// key fails with badger.ErrConflict and is retried against the new state.
type BadgerRepository struct {
	db      *badger.DB
	favSeq  *badger.Sequence
	histSeq *badger.Sequence
	log     logrus.FieldLogger

	stopGC    chan struct{}
	gcDone    sync.WaitGroup
	closeOnce sync.Once
}

// NewBadgerRepository creates and initializes a new BadgerDB repository.
// It opens the database at the specified path and starts value-log GC.
func NewBadgerRepository(dbPath string, logger logrus.FieldLogger) (*BadgerRepository, error) {
	return open(badger.DefaultOptions(dbPath), logger)
}

// NewInMemoryRepository opens an ephemeral BadgerDB that lives only as long as
// the returned repository.
func NewInMemoryRepository(logger logrus.FieldLogger) (*BadgerRepository, error) {
	return open(badger.DefaultOptions("").WithInMemory(true), logger)
}

func open(opts badger.Options, logger logrus.FieldLogger) (*BadgerRepository, error) {
	opts.Logger = &badgerLogger{logger.WithField("component", "badgerdb")}

	db, err := badger.Open(opts)
	if err != nil {
		logger.WithError(err).Error("Failed to open BadgerDB")
		return nil, fmt.Errorf("failed to open badger db at %q: %w", opts.Dir, err)
	}

	favSeq, err := db.GetSequence(favSeqKey, seqBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to lease favorite id sequence: %w", err)
	}
	histSeq, err := db.GetSequence(histSeqKey, seqBandwidth)
	if err != nil {
		_ = favSeq.Release()
		_ = db.Close()
		return nil, fmt.Errorf("failed to lease history sequence: %w", err)
	}

	repo := &BadgerRepository{
		db:      db,
		favSeq:  favSeq,
		histSeq: histSeq,
		log:     logger.WithField("component", "repository"),
		stopGC:  make(chan struct{}),
	}

	if opts.InMemory {
		repo.log.Info("BadgerDB opened in memory")
	} else {
		repo.log.WithField("path", opts.Dir).Info("BadgerDB opened")
		repo.gcDone.Add(1)
		go repo.runGC()
	}

	return repo, nil
}

// Close stops GC, releases the id sequences and closes the database.
// It is safe to call more than once.
func (r *BadgerRepository) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.log.Info("Closing BadgerDB...")
		close(r.stopGC)
		r.gcDone.Wait()

		if e := r.favSeq.Release(); e != nil {
			r.log.WithError(e).Warn("Failed to release favorite sequence")
		}
		if e := r.histSeq.Release(); e != nil {
			r.log.WithError(e).Warn("Failed to release history sequence")
		}

		err = r.db.Close()
		if err != nil {
			r.log.WithError(err).Error("Error closing BadgerDB")
			return
		}
		r.log.Info("BadgerDB closed.")
	})
	return err
}

func recordKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", recordPrefix, id))
}

func indexKey(k domain.Key) []byte {
	return append(append([]byte{}, indexPrefix...), k.String()...)
}

func historyKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", historyPfx, seq))
}

// parseID maps a public id onto its numeric form. Only the canonical decimal
// form we issue is accepted, so "01" or "+1" never alias record 1.
func parseID(id string) (uint64, bool) {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil || n == 0 || strconv.FormatUint(n, 10) != id {
		return 0, false
	}
	return n, true
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// ListFavorites returns every favorite in insertion order.
func (r *BadgerRepository) ListFavorites(ctx context.Context) ([]domain.Favorite, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	favs := []domain.Favorite{}
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = recordPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var fav domain.Favorite
			if err := decodeItem(it.Item(), &fav); err != nil {
				return err
			}
			favs = append(favs, fav)
		}
		return nil
	})
	if err != nil {
		r.log.WithError(err).Error("Failed to list favorites")
		return nil, unavailable("list favorites", err)
	}
	return favs, nil
}

// GetFavorite returns a single favorite by id.
func (r *BadgerRepository) GetFavorite(ctx context.Context, id string) (domain.Favorite, error) {
	if err := ctx.Err(); err != nil {
		return domain.Favorite{}, err
	}
	n, ok := parseID(id)
	if !ok {
		return domain.Favorite{}, ErrNotFound
	}

	var fav domain.Favorite
	err := r.db.View(func(txn *badger.Txn) error {
		return getRecord(txn, recordKey(n), &fav)
	})
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return domain.Favorite{}, ErrNotFound
	case err != nil:
		r.log.WithError(err).WithField("id", id).Error("Failed to get favorite")
		return domain.Favorite{}, unavailable("get favorite", err)
	}
	return fav, nil
}

// CreateFavorite inserts fav or fails with ErrDuplicate.
func (r *BadgerRepository) CreateFavorite(ctx context.Context, fav domain.Favorite) (domain.Favorite, error) {
	created, existing, err := r.CreateIfAbsent(ctx, fav)
	if err != nil {
		return domain.Favorite{}, err
	}
	if existing != nil {
		return domain.Favorite{}, fmt.Errorf("%w: id %s", ErrDuplicate, existing.ID)
	}
	return created, nil
}

// CreateIfAbsent atomically inserts fav unless its normalized key is taken.
func (r *BadgerRepository) CreateIfAbsent(ctx context.Context, fav domain.Favorite) (domain.Favorite, *domain.Favorite, error) {
	key := fav.Key()
	log := r.log.WithFields(logrus.Fields{
		"user_id": fav.UserID,
		"city":    fav.City,
	})
	idx := indexKey(key)

	for attempt := 1; attempt <= maxTxnAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return domain.Favorite{}, nil, err
		}

		var (
			created  domain.Favorite
			existing *domain.Favorite
		)
		err := r.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(idx)
			switch {
			case err == nil:
				raw, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				n, ok := parseID(string(raw))
				if !ok {
					return fmt.Errorf("corrupt index entry for %q", key.String())
				}
				var found domain.Favorite
				if err := getRecord(txn, recordKey(n), &found); err != nil {
					return fmt.Errorf("index entry for %q points at missing record %d: %w", key.String(), n, err)
				}
				existing = &found
				return nil
			case !errors.Is(err, badger.ErrKeyNotFound):
				return err
			}

			n, err := r.favSeq.Next()
			if err != nil {
				return fmt.Errorf("failed to allocate id: %w", err)
			}
			// Sequences start at zero; ids start at one.
			n++

			created = fav
			created.ID = strconv.FormatUint(n, 10)
			data, err := json.Marshal(created)
			if err != nil {
				return fmt.Errorf("failed to marshal favorite: %w", err)
			}
			if err := txn.Set(recordKey(n), data); err != nil {
				return err
			}
			return txn.Set(idx, []byte(created.ID))
		})

		if errors.Is(err, badger.ErrConflict) {
			log.WithField("attempt", attempt).Debug("Transaction conflict, retrying")
			continue
		}
		if err != nil {
			log.WithError(err).Error("Failed to create favorite")
			return domain.Favorite{}, nil, unavailable("create favorite", err)
		}

		if existing != nil {
			log.WithField("existing_id", existing.ID).Info("Favorite already exists")
			return domain.Favorite{}, existing, nil
		}
		log.WithField("id", created.ID).Info("Favorite saved successfully")
		return created, nil, nil
	}

	return domain.Favorite{}, nil, unavailable("create favorite", fmt.Errorf("gave up after %d conflicting transactions", maxTxnAttempts))
}

// DeleteFavorite removes a record by id together with its index entry.
func (r *BadgerRepository) DeleteFavorite(ctx context.Context, id string) error {
	log := r.log.WithField("id", id)
	n, ok := parseID(id)
	if !ok {
		return ErrNotFound
	}

	for attempt := 1; attempt <= maxTxnAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := r.db.Update(func(txn *badger.Txn) error {
			var fav domain.Favorite
			if err := getRecord(txn, recordKey(n), &fav); err != nil {
				return err
			}
			if err := txn.Delete(recordKey(n)); err != nil {
				return err
			}

			idx := indexKey(fav.Key())
			item, err := txn.Get(idx)
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if string(raw) != strconv.FormatUint(n, 10) {
				return nil
			}
			return txn.Delete(idx)
		})

		switch {
		case errors.Is(err, badger.ErrConflict):
			log.WithField("attempt", attempt).Debug("Transaction conflict, retrying")
			continue
		case errors.Is(err, badger.ErrKeyNotFound):
			return ErrNotFound
		case err != nil:
			log.WithError(err).Error("Failed to delete favorite")
			return unavailable("delete favorite", err)
		}

		log.Info("Favorite deleted successfully")
		return nil
	}

	return unavailable("delete favorite", fmt.Errorf("gave up after %d conflicting transactions", maxTxnAttempts))
}

// ResetAll drops every favorite record and index entry. History and the id
// sequence are left alone so ids are never reused.
func (r *BadgerRepository) ResetAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var keys [][]byte
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = favPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return unavailable("reset favorites", err)
	}

	wb := r.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return unavailable("reset favorites", err)
		}
	}
	if err := wb.Flush(); err != nil {
		r.log.WithError(err).Error("Failed to reset favorites")
		return unavailable("reset favorites", err)
	}

	r.log.WithField("deleted_keys", len(keys)).Warn("Favorites collection reset")
	return nil
}

// AppendHistory stores a history entry.
func (r *BadgerRepository) AppendHistory(ctx context.Context, entry domain.HistoryEntry) (domain.HistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return domain.HistoryEntry{}, err
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return domain.HistoryEntry{}, fmt.Errorf("failed to marshal history entry: %w", err)
	}

	seq, err := r.histSeq.Next()
	if err != nil {
		return domain.HistoryEntry{}, unavailable("append history", err)
	}

	err = r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(historyKey(seq), data)
	})
	if err != nil {
		r.log.WithError(err).WithField("user_id", entry.UserID).Error("Failed to append history entry")
		return domain.HistoryEntry{}, unavailable("append history", err)
	}
	return entry, nil
}

// ListHistory returns history entries, optionally filtered by user.
func (r *BadgerRepository) ListHistory(ctx context.Context, userID string) ([]domain.HistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries := []domain.HistoryEntry{}
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = historyPfx
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var entry domain.HistoryEntry
			if err := decodeItem(it.Item(), &entry); err != nil {
				return err
			}
			if userID == "" || entry.BelongsTo(userID) {
				entries = append(entries, entry)
			}
		}
		return nil
	})
	if err != nil {
		r.log.WithError(err).Error("Failed to list history")
		return nil, unavailable("list history", err)
	}
	return entries, nil
}

func getRecord(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return decodeItem(item, v)
}

func decodeItem(item *badger.Item, v any) error {
	return item.Value(func(val []byte) error {
		if err := json.Unmarshal(val, v); err != nil {
			return fmt.Errorf("failed to unmarshal value for key %s: %w", item.Key(), err)
		}
		return nil
	})
}

// runGC reclaims value-log space until Close is called.
func (r *BadgerRepository) runGC() {
	defer r.gcDone.Done()

	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := r.db.RunValueLogGC(gcDiscardRatio)
			switch {
			case err == nil:
				r.log.Info("BadgerDB GC completed successfully")
			case errors.Is(err, badger.ErrNoRewrite):
				r.log.Debug("BadgerDB GC: No rewrite needed")
			default:
				r.log.WithError(err).Error("BadgerDB GC failed")
			}
		case <-r.stopGC:
			return
		}
	}
}

// --- BadgerDB Internal Logger ---

// badgerLogger adapts logrus.FieldLogger to Badger's logger interface.
type badgerLogger struct {
	logger logrus.FieldLogger
}

func (l *badgerLogger) Errorf(f string, v ...interface{}) {
	l.logger.Errorf(f, v...)
}
func (l *badgerLogger) Warningf(f string, v ...interface{}) {
	l.logger.Warningf(f, v...)
}
func (l *badgerLogger) Infof(f string, v ...interface{}) {
	l.logger.Debugf(f, v...)
}
func (l *badgerLogger) Debugf(f string, v ...interface{}) {
	l.logger.Debugf(f, v...)
}
