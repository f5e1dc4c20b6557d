package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leshachaplin/spyglass/internal/domain"
	"github.com/leshachaplin/spyglass/internal/metrics"
)

func openTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	q, err := Open(context.Background(), cfg, zerolog.Nop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func newEvent(name string) domain.Event {
	return domain.Event{
		Name:             name,
		Properties:       domain.Properties{"key": name},
		DeviceIdentifier: "device",
		UserIdentifier:   "user",
		Timestamp:        time.Unix(1700000000, 0).UTC(),
	}
}

func appendN(t *testing.T, q *Queue, n int) []domain.Event {
	t.Helper()
	out := make([]domain.Event, 0, n)
	for i := 0; i < n; i++ {
		e, err := q.Append(context.Background(), newEvent("e"+strconv.Itoa(i)))
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func TestQueue_AppendAssignsIncreasingSequence(t *testing.T) {
	q := openTestQueue(t, Config{})

	events := appendN(t, q, 5)
	for i, e := range events {
		require.Equal(t, uint64(i+1), e.SequenceID)
	}
	require.Equal(t, 5, q.Len())
	require.Equal(t, uint64(5), q.LastSequenceID())
}

func TestQueue_PeekIsReadOnlyAndOrdered(t *testing.T) {
	q := openTestQueue(t, Config{})
	appendN(t, q, 10)

	first, err := q.PeekBatch(context.Background(), 4)
	require.NoError(t, err)
	second, err := q.PeekBatch(context.Background(), 4)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Len(t, first, 4)
	require.Equal(t, []uint64{1, 2, 3, 4}, domain.Batch{Events: first}.SequenceIDs())
	require.Equal(t, "e0", first[0].Name)
	require.Equal(t, "e0", first[0].Properties["key"])
	require.Equal(t, 10, q.Len())

	none, err := q.PeekBatch(context.Background(), 0)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestQueue_RemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, Config{})
	appendN(t, q, 6)

	removed, err := q.Remove(ctx, []uint64{2, 3})
	require.NoError(t, err)
	require.Equal(t, 2, removed)
	afterOnce, err := q.PeekBatch(ctx, 10)
	require.NoError(t, err)

	removed, err = q.Remove(ctx, []uint64{2, 3})
	require.NoError(t, err)
	require.Equal(t, 0, removed)
	afterTwice, err := q.PeekBatch(ctx, 10)
	require.NoError(t, err)

	require.Equal(t, afterOnce, afterTwice)
	require.Equal(t, 4, q.Len())
	require.Equal(t, []uint64{1, 4, 5, 6}, domain.Batch{Events: afterTwice}.SequenceIDs())

	removed, err = q.Remove(ctx, []uint64{99})
	require.NoError(t, err)
	require.Zero(t, removed)
}

func TestQueue_RestoreAfterRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")

	q, err := Open(ctx, Config{Path: path}, zerolog.Nop(), nil)
	require.NoError(t, err)
	appended := appendN(t, q, 25)
	require.NoError(t, q.Close())

	reopened := openTestQueue(t, Config{Path: path})
	require.Equal(t, 25, reopened.Len())

	restored, err := reopened.PeekBatch(ctx, 100)
	require.NoError(t, err)
	require.Len(t, restored, 25)
	for i := range appended {
		require.Equal(t, appended[i].SequenceID, restored[i].SequenceID)
		require.Equal(t, appended[i].Name, restored[i].Name)
		require.Equal(t, appended[i].DeviceIdentifier, restored[i].DeviceIdentifier)
		require.Equal(t, appended[i].UserIdentifier, restored[i].UserIdentifier)
		require.True(t, appended[i].Timestamp.Equal(restored[i].Timestamp))
		require.Equal(t, appended[i].Properties, restored[i].Properties)
	}
}

func TestQueue_SequenceSurvivesDrainAndRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")

	q, err := Open(ctx, Config{Path: path}, zerolog.Nop(), nil)
	require.NoError(t, err)
	events := appendN(t, q, 3)
	_, err = q.Remove(ctx, domain.Batch{Events: events}.SequenceIDs())
	require.NoError(t, err)
	require.NoError(t, q.Close())

	reopened := openTestQueue(t, Config{Path: path})
	require.Zero(t, reopened.Len())

	e, err := reopened.Append(ctx, newEvent("next"))
	require.NoError(t, err)
	require.Equal(t, uint64(4), e.SequenceID)
}

func TestQueue_CorruptStorageStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("not a sqlite database "), 512), 0o600))

	q := openTestQueue(t, Config{Path: path})
	require.Zero(t, q.Len())

	e, err := q.Append(context.Background(), newEvent("fresh"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), e.SequenceID)

	matches, err := filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	require.Len(t, matches, 1)
}

func TestQueue_CapacityPolicies(t *testing.T) {
	cases := map[string]struct {
		policy      EvictionPolicy
		expectedIDs []uint64
		appendErr   error
	}{
		"evict oldest": {
			policy:      EvictOldest,
			expectedIDs: []uint64{3, 4, 5},
		},
		"drop newest": {
			policy:      DropNewest,
			expectedIDs: []uint64{1, 2, 3},
			appendErr:   ErrQueueFull,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg := prometheus.NewRegistry()
			m := metrics.New(reg)
			q, err := Open(ctx, Config{MaxSize: 3, EvictionPolicy: tc.policy}, zerolog.Nop(), m)
			require.NoError(t, err)
			defer q.Close()

			appendN(t, q, 3)
			for i := 0; i < 2; i++ {
				_, err := q.Append(ctx, newEvent("overflow"))
				if tc.appendErr != nil {
					require.ErrorIs(t, err, tc.appendErr)
				} else {
					require.NoError(t, err)
				}
			}

			pending, err := q.PeekBatch(ctx, 10)
			require.NoError(t, err)
			require.Equal(t, tc.expectedIDs, domain.Batch{Events: pending}.SequenceIDs())
			require.Equal(t, 3, q.Len())
			require.Equal(t, uint64(2), q.Evicted())
			require.Equal(t, float64(2), testutil.ToFloat64(m.EventsEvicted))
			require.Equal(t, float64(3), testutil.ToFloat64(m.QueueDepth))
		})
	}
}

func TestQueue_ConcurrentAppendPeekRemove(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, Config{})

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := q.Append(ctx, newEvent("concurrent"))
				assert.NoError(t, err)
			}
		}()
	}

	removed := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for finished := false; !finished; {
		select {
		case <-done:
			finished = true
		default:
		}
		batch, err := q.PeekBatch(ctx, 10)
		require.NoError(t, err)
		n, err := q.Remove(ctx, domain.Batch{Events: batch}.SequenceIDs())
		require.NoError(t, err)
		removed += n
	}

	rest, err := q.PeekBatch(ctx, writers*perWriter)
	require.NoError(t, err)
	require.Equal(t, writers*perWriter, removed+len(rest))
	require.Equal(t, uint64(writers*perWriter), q.LastSequenceID())
}

func TestQueue_Closed(t *testing.T) {
	q, err := Open(context.Background(), Config{}, zerolog.Nop(), nil)
	require.NoError(t, err)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	_, err = q.Append(context.Background(), newEvent("late"))
	require.ErrorIs(t, err, ErrClosed)
	_, err = q.PeekBatch(context.Background(), 1)
	require.ErrorIs(t, err, ErrClosed)
	_, err = q.Remove(context.Background(), []uint64{1})
	require.ErrorIs(t, err, ErrClosed)
}

func TestQueue_StorageFullEvictsUntilInsertFits(t *testing.T) {
	ctx := context.Background()
	m := metrics.New(prometheus.NewRegistry())
	q, err := Open(ctx, Config{Path: filepath.Join(t.TempDir(), "queue.db")}, zerolog.Nop(), m)
	require.NoError(t, err)
	defer q.Close()

	var pages int64
	require.NoError(t, q.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pages))
	var limit int64
	require.NoError(t, q.db.QueryRowContext(ctx, fmt.Sprintf(`PRAGMA max_page_count=%d`, pages+3)).Scan(&limit))
	require.Equal(t, pages+3, limit)

	const total = 200
	blob := strings.Repeat("x", 1500)
	for i := 0; i < total; i++ {
		e := newEvent("large")
		e.Properties = domain.Properties{"blob": blob}
		_, err := q.Append(ctx, e)
		require.NoError(t, err, "append %d", i)
	}

	require.Positive(t, q.Evicted())
	require.Positive(t, q.Len())
	require.Equal(t, total, q.Len()+int(q.Evicted()))
	require.Equal(t, uint64(total), q.LastSequenceID())
	require.Equal(t, float64(q.Evicted()), testutil.ToFloat64(m.EventsEvicted))
	require.Equal(t, float64(q.Len()), testutil.ToFloat64(m.QueueDepth))

	pending, err := q.PeekBatch(ctx, total)
	require.NoError(t, err)
	ids := domain.Batch{Events: pending}.SequenceIDs()
	require.Len(t, ids, q.Len())
	for i, id := range ids {
		require.Equal(t, uint64(total-len(ids)+i+1), id)
	}
}

func TestQueue_OpenKeepsUnreadableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	require.NoError(t, os.Mkdir(path, 0o700))

	_, err := Open(context.Background(), Config{Path: path}, zerolog.Nop(), nil)
	require.Error(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.True(t, info.IsDir())
	matches, err := filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	require.Empty(t, matches)
}

func TestIsCorrupt(t *testing.T) {
	cases := map[string]struct {
		err  error
		want bool
	}{
		"integrity check":  {err: fmt.Errorf("integrity check: %w: %s", errCorrupt, "page 2 is never used"), want: true},
		"undecodable row":  {err: fmt.Errorf("load events: %w", fmt.Errorf("decode properties: %w", errCorrupt)), want: true},
		"database locked":  {err: errors.New("database is locked (5)")},
		"context canceled": {err: fmt.Errorf("load events: %w", context.Canceled)},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.want, isCorrupt(tc.err))
		})
	}
}
