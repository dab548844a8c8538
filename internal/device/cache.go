package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Cache persists the replica so a restart can serve the last known state
// immediately, before the first hub fetch completes. It holds current
// state only - a stale cache is always overwritten by the next snapshot.
type Cache interface {
	// Load returns the cached devices and the time the cache was written.
	// An empty cache returns no devices and a zero time.
	Load(ctx context.Context) ([]Device, time.Time, error)

	// Replace atomically swaps the cache contents for the given devices.
	Replace(ctx context.Context, devices []Device) error
}

// SQLiteCache implements Cache using SQLite.
//
// Each device is stored as its full JSON document keyed by friendly name,
// so schema churn in the hub's device format never requires a migration
// here - only the identity column is structural.
type SQLiteCache struct {
	db *sql.DB
}

// NewSQLiteCache creates a new SQLite-backed replica cache.
// The db parameter should be an open SQLite connection with the
// replica tables migrated.
func NewSQLiteCache(db *sql.DB) *SQLiteCache {
	return &SQLiteCache{db: db}
}

// Load reads all cached device documents.
//
// Rows that fail to unmarshal are skipped: the cache is a best-effort
// warm start, and the next snapshot rewrites it wholesale.
func (c *SQLiteCache) Load(ctx context.Context) ([]Device, time.Time, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT document FROM replica_devices ORDER BY id")
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("querying replica cache: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, time.Time{}, fmt.Errorf("scanning cache row: %w", err)
		}

		var d Device
		if err := json.Unmarshal([]byte(doc), &d); err != nil || d.FriendlyName == "" {
			continue
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, fmt.Errorf("iterating cache rows: %w", err)
	}

	cachedAt, err := c.readCachedAt(ctx)
	if err != nil {
		return nil, time.Time{}, err
	}

	return devices, cachedAt, nil
}

// Replace swaps the cache contents in a single transaction.
func (c *SQLiteCache) Replace(ctx context.Context, devices []Device) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting cache transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if _, err := tx.ExecContext(ctx, "DELETE FROM replica_devices"); err != nil {
		return fmt.Errorf("clearing replica cache: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for i := range devices {
		d := &devices[i]
		if d.FriendlyName == "" {
			continue
		}

		doc, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("marshalling device %q: %w", d.FriendlyName, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO replica_devices (id, document, cached_at) VALUES (?, ?, ?)",
			d.FriendlyName, string(doc), now,
		); err != nil {
			return fmt.Errorf("inserting device %q: %w", d.FriendlyName, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO replica_meta (key, value) VALUES ('cached_at', ?) "+
			"ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		now,
	); err != nil {
		return fmt.Errorf("updating cache metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing replica cache: %w", err)
	}
	return nil
}

// readCachedAt returns the cache write timestamp, or zero if never written.
func (c *SQLiteCache) readCachedAt(ctx context.Context) (time.Time, error) {
	var value string
	err := c.db.QueryRowContext(ctx,
		"SELECT value FROM replica_meta WHERE key = 'cached_at'",
	).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("querying cache metadata: %w", err)
	}

	cachedAt, _ := time.Parse(time.RFC3339, value) //nolint:errcheck // Format is controlled
	return cachedAt, nil
}

// Cache writer timing constants.
const (
	// defaultCoalesceWindow batches bursts of replica changes into one
	// cache write. A panel dimming a light produces dozens of patches
	// per second; writing each would thrash the flash storage panels
	// typically run on.
	defaultCoalesceWindow = 2 * time.Second

	// cacheFlushTimeout bounds a single cache write.
	cacheFlushTimeout = 5 * time.Second
)

// CacheWriter persists the replica write-behind.
//
// It subscribes to store changes, coalesces bursts within a window, and
// writes the full replica to the cache. A final flush runs on Close if
// changes are still pending.
type CacheWriter struct {
	store  *Store
	cache  Cache
	window time.Duration
	logger Logger

	dirty     chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewCacheWriter creates a cache writer bound to the given store and
// cache. A window of 0 selects the default coalesce window.
//
// Call Start to begin persisting and Close to stop.
func NewCacheWriter(store *Store, cache Cache, window time.Duration) *CacheWriter {
	if window <= 0 {
		window = defaultCoalesceWindow
	}
	return &CacheWriter{
		store:  store,
		cache:  cache,
		window: window,
		logger: noopLogger{},
		dirty:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// SetLogger sets the logger for the cache writer.
func (w *CacheWriter) SetLogger(logger Logger) {
	w.logger = logger
}

// Start subscribes to store changes and launches the flush loop.
func (w *CacheWriter) Start() {
	w.store.OnChange(func(Change) {
		w.markDirty()
	})

	w.wg.Add(1)
	go w.run()
}

// Close stops the flush loop, writing any pending changes first.
// It is idempotent.
func (w *CacheWriter) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
	})
	w.wg.Wait()
	return nil
}

// markDirty records that the replica changed since the last flush.
func (w *CacheWriter) markDirty() {
	select {
	case w.dirty <- struct{}{}:
	default:
	}
}

// run coalesces dirty signals and flushes the replica to the cache.
func (w *CacheWriter) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			w.flushIfDirty()
			return
		case <-w.dirty:
			// Let the burst settle before writing
			select {
			case <-time.After(w.window):
				w.flush()
			case <-w.done:
				w.flush()
				return
			}
		}
	}
}

// flushIfDirty flushes only when a dirty signal is pending.
func (w *CacheWriter) flushIfDirty() {
	select {
	case <-w.dirty:
		w.flush()
	default:
	}
}

// flush writes the current replica to the cache. Failures are logged and
// absorbed - the cache is an optimisation, not a source of truth.
func (w *CacheWriter) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), cacheFlushTimeout)
	defer cancel()

	devices := w.store.List()
	if err := w.cache.Replace(ctx, devices); err != nil {
		w.logger.Warn("replica cache write failed", "error", err)
		return
	}

	w.logger.Debug("replica cached", "devices", len(devices))
}
