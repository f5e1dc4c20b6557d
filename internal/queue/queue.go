package queue

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/leshachaplin/spyglass/internal/domain"
	"github.com/leshachaplin/spyglass/internal/metrics"
)

const (
	DefaultMaxSize = 10000

	memoryPath       = ":memory:"
	lastSequenceKey  = "last_sequence_id"
	corruptSuffixFmt = "%s.corrupt-%d"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	sequence_id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	properties_json TEXT NOT NULL,
	device_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	timestamp_utc_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS queue_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

var (
	ErrClosed    = errors.New("queue closed")
	ErrQueueFull = errors.New("queue full, newest event dropped")

	errCorrupt = errors.New("queue storage corrupt")
)

type EvictionPolicy string

const (
	EvictOldest EvictionPolicy = "evict_oldest"
	DropNewest  EvictionPolicy = "drop_newest"
)

type Config struct {
	Path           string         `mapstructure:"path"`
	MaxSize        int            `mapstructure:"max_size"`
	EvictionPolicy EvictionPolicy `mapstructure:"eviction_policy"`
}

// Queue is a durable, sequence-ordered store of pending events backed by SQLite.
// All operations are serialized by a single mutex.
type Queue struct {
	mu      sync.Mutex
	db      *sql.DB
	path    string
	maxSize int
	policy  EvictionPolicy
	logger  zerolog.Logger
	metrics *metrics.Metrics

	lastSeq uint64
	length  int
	evicted uint64
	closed  bool
	// reported is the share of the depth gauge owned by this queue.
	reported int
}

// Open opens the queue at cfg.Path (in memory when empty) and restores pending
// events. A corrupt database file is moved aside and replaced by an empty one.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger, m *metrics.Metrics) (*Queue, error) {
	if m == nil {
		m = metrics.New(nil)
	}
	q := &Queue{
		path:    cfg.Path,
		maxSize: cfg.MaxSize,
		policy:  cfg.EvictionPolicy,
		logger:  logger,
		metrics: m,
	}
	if q.path == "" {
		q.path = memoryPath
	}
	if q.maxSize <= 0 {
		q.maxSize = DefaultMaxSize
	}
	if q.policy == "" {
		q.policy = EvictOldest
	}

	err := q.openDB()
	if err == nil {
		_, err = q.Restore(ctx)
	}
	if err != nil {
		if q.path == memoryPath || !isCorrupt(err) {
			if q.db != nil {
				_ = q.db.Close()
			}
			return nil, err
		}
		q.logger.Error().Err(err).Str("path", q.path).Msg("Queue storage is corrupt, starting with an empty queue.")
		if err := q.reset(); err != nil {
			return nil, err
		}
		if _, err := q.Restore(ctx); err != nil {
			_ = q.db.Close()
			return nil, fmt.Errorf("restore fresh queue: %w", err)
		}
	}
	return q, nil
}

func (q *Queue) openDB() error {
	db, err := openSQLite(q.path)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	q.db = db
	return nil
}

// reset moves the current database files aside and opens a fresh one.
func (q *Queue) reset() error {
	if q.db != nil {
		_ = q.db.Close()
	}
	stamp := time.Now().UnixNano()
	for _, suffix := range []string{"", "-wal", "-shm"} {
		src := q.path + suffix
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.Rename(src, fmt.Sprintf(corruptSuffixFmt, src, stamp)); err != nil {
			return fmt.Errorf("move corrupt queue file: %w", err)
		}
	}
	return q.openDB()
}

// Restore loads the persisted counter and verifies every pending event can be decoded.
// It returns the number of events carried over from a previous run.
func (q *Queue) Restore(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var check string
	if err := q.db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&check); err != nil {
		return 0, fmt.Errorf("integrity check: %w", err)
	}
	if check != "ok" {
		return 0, fmt.Errorf("integrity check: %w: %s", errCorrupt, check)
	}
	if _, err := q.db.ExecContext(ctx, schema); err != nil {
		return 0, fmt.Errorf("create schema: %w", err)
	}

	var stored sql.NullString
	err := q.db.QueryRowContext(ctx, `SELECT value FROM queue_meta WHERE key=?`, lastSequenceKey).Scan(&stored)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("read counter: %w", err)
	}
	var lastSeq uint64
	if stored.Valid {
		lastSeq, err = strconv.ParseUint(stored.String, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse counter %q: %w: %w", stored.String, errCorrupt, err)
		}
	}

	rows, err := q.db.QueryContext(ctx, selectEvents+` ORDER BY sequence_id ASC`)
	if err != nil {
		return 0, fmt.Errorf("load events: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return 0, fmt.Errorf("load events: %w", err)
	}

	for _, e := range events {
		if e.SequenceID > lastSeq {
			lastSeq = e.SequenceID
		}
	}
	q.lastSeq = lastSeq
	q.length = len(events)
	q.reportDepth()

	if len(events) > 0 {
		q.logger.Info().Int("pending", len(events)).Uint64("last_sequence_id", lastSeq).Msg("Restored pending events.")
	}
	return len(events), nil
}

// Append assigns the next sequence id and persists the event. When the queue is at
// capacity the configured eviction policy applies; evictions are counted, not returned.
func (q *Queue) Append(ctx context.Context, e domain.Event) (domain.Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return domain.Event{}, ErrClosed
	}

	if q.length >= q.maxSize {
		if q.policy == DropNewest {
			q.countEvicted(1)
			return domain.Event{}, ErrQueueFull
		}
		if err := q.evictOldest(ctx, q.length-q.maxSize+1); err != nil {
			return domain.Event{}, err
		}
	}

	e.SequenceID = q.lastSeq + 1
	evicted, err := q.insert(ctx, e, 0)
	// Deleting a few rows may free no page, so the eviction doubles until the
	// insert fits. Each attempt is one transaction and a failed one evicts nothing.
	for n := 1; err != nil && isStorageFull(err) && q.length > 0; n *= 2 {
		if n > q.length {
			n = q.length
		}
		q.logger.Warn().Err(err).Int("evicting", n).Msg("Queue storage exhausted, evicting oldest events.")
		evicted, err = q.insert(ctx, e, n)
		if n == q.length {
			break
		}
	}
	if err != nil {
		return domain.Event{}, err
	}
	if evicted > 0 {
		q.length -= evicted
		q.countEvicted(uint64(evicted))
	}

	q.lastSeq = e.SequenceID
	q.length++
	q.metrics.EventsTracked.Inc()
	q.reportDepth()
	return e, nil
}

// insert persists e and the counter after deleting the oldest evict rows, all in
// one transaction. It returns how many rows were deleted.
func (q *Queue) insert(ctx context.Context, e domain.Event, evict int) (int, error) {
	props := e.Properties
	if props == nil {
		props = domain.Properties{}
	}
	propsJSON, err := json.Marshal(props)
	if err != nil {
		return 0, fmt.Errorf("marshal properties: %w", err)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var evicted int64
	if evict > 0 {
		res, err := tx.ExecContext(ctx, deleteOldest, evict)
		if err != nil {
			return 0, fmt.Errorf("evict oldest: %w", err)
		}
		if evicted, err = res.RowsAffected(); err != nil {
			return 0, fmt.Errorf("evict oldest: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO events(sequence_id, name, properties_json, device_id, user_id, timestamp_utc_ns)
VALUES(?, ?, ?, ?, ?, ?)`,
		int64(e.SequenceID), e.Name, string(propsJSON), e.DeviceIdentifier, e.UserIdentifier, e.Timestamp.UTC().UnixNano()); err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO queue_meta(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value`, lastSequenceKey, strconv.FormatUint(e.SequenceID, 10)); err != nil {
		return 0, fmt.Errorf("update counter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return int(evicted), nil
}

const deleteOldest = `
DELETE FROM events WHERE sequence_id IN (
	SELECT sequence_id FROM events ORDER BY sequence_id ASC LIMIT ?
)`

func (q *Queue) evictOldest(ctx context.Context, n int) error {
	res, err := q.db.ExecContext(ctx, deleteOldest, n)
	if err != nil {
		return fmt.Errorf("evict oldest: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("evict oldest: %w", err)
	}
	q.length -= int(affected)
	q.countEvicted(uint64(affected))
	return nil
}

func (q *Queue) countEvicted(n uint64) {
	q.evicted += n
	q.metrics.EventsEvicted.Add(float64(n))
	q.logger.Warn().Uint64("evicted_total", q.evicted).Str("policy", string(q.policy)).Msg("Queue at capacity, event discarded.")
}

// PeekBatch returns up to max oldest events without removing them.
func (q *Queue) PeekBatch(ctx context.Context, max int) ([]domain.Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}
	if max <= 0 {
		return nil, nil
	}

	rows, err := q.db.QueryContext(ctx, selectEvents+` ORDER BY sequence_id ASC LIMIT ?`, max)
	if err != nil {
		return nil, fmt.Errorf("peek events: %w", err)
	}
	return scanEvents(rows)
}

// Remove deletes exactly the given events. Ids that are already gone are ignored.
func (q *Queue) Remove(ctx context.Context, ids []uint64) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrClosed
	}
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM events WHERE sequence_id=?`)
	if err != nil {
		return 0, fmt.Errorf("prepare delete: %w", err)
	}
	defer stmt.Close()

	var removed int64
	for _, id := range ids {
		res, err := stmt.ExecContext(ctx, int64(id))
		if err != nil {
			return 0, fmt.Errorf("delete event %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("delete event %d: %w", id, err)
		}
		removed += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	q.length -= int(removed)
	q.reportDepth()
	return int(removed), nil
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.length
}

// Evicted is the number of events discarded by the capacity policy since Open.
func (q *Queue) Evicted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}

func (q *Queue) LastSequenceID() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastSeq
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	q.metrics.QueueDepth.Sub(float64(q.reported))
	q.reported = 0
	return q.db.Close()
}

func (q *Queue) reportDepth() {
	q.metrics.QueueDepth.Add(float64(q.length - q.reported))
	q.reported = q.length
}

const selectEvents = `
SELECT sequence_id, name, properties_json, device_id, user_id, timestamp_utc_ns
FROM events`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var (
			e         domain.Event
			seq       int64
			propsJSON string
			ts        int64
		)
		if err := rows.Scan(&seq, &e.Name, &propsJSON, &e.DeviceIdentifier, &e.UserIdentifier, &ts); err != nil {
			return nil, err
		}
		props, err := decodeProperties(propsJSON)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", seq, err)
		}
		e.SequenceID = uint64(seq)
		e.Properties = props
		e.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func decodeProperties(s string) (domain.Properties, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()

	props := domain.Properties{}
	if err := dec.Decode(&props); err != nil {
		return nil, fmt.Errorf("decode properties: %w: %w", errCorrupt, err)
	}
	return props, nil
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection keeps ":memory:" databases alive and serializes writers
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout=5000;",
		"PRAGMA synchronous=FULL;",
	}
	if path != memoryPath {
		pragmas = append([]string{"PRAGMA journal_mode=WAL;"}, pragmas...)
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

// isCorrupt reports errors that mean the file content is unusable, as opposed to
// a busy or unreadable file that may open fine later.
func isCorrupt(err error) bool {
	if errors.Is(err, errCorrupt) {
		return true
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
			return true
		}
	}
	return false
}

func isStorageFull(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xff == sqlite3.SQLITE_FULL
	}
	return false
}
