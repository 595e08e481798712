package batch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitFlushesOnSizeTrigger(t *testing.T) {
	var committed [][]int
	upsert := func(ctx context.Context, rows []int) (int, error) {
		committed = append(committed, append([]int(nil), rows...))
		return len(rows), nil
	}

	cfg := Config{MaxSize: 2, MaxAge: time.Hour, Table: "ints"}
	w := New(cfg, upsert, nil)

	require.NoError(t, w.Submit(context.Background(), 1))
	require.NoError(t, w.Submit(context.Background(), 2)) // hits MaxSize, flushes

	require.Len(t, committed, 1)
	assert.Equal(t, []int{1, 2}, committed[0])
}

func TestFlushBisectsAroundPoisonRow(t *testing.T) {
	var attempts [][]int
	upsert := func(ctx context.Context, rows []int) (int, error) {
		attempts = append(attempts, append([]int(nil), rows...))
		for _, r := range rows {
			if r == 13 {
				return 0, fmt.Errorf("poison row %d", r)
			}
		}
		return len(rows), nil
	}

	cfg := Config{MaxSize: 10, MaxAge: time.Hour, Table: "ints"}
	w := New(cfg, upsert, nil)

	for _, v := range []int{1, 2, 13, 4} {
		require.NoError(t, w.Submit(context.Background(), v))
	}

	err := w.Flush(context.Background())
	require.Error(t, err)

	quarantined := w.Quarantined()
	require.Len(t, quarantined, 1)
	assert.Equal(t, 13, quarantined[0])
}

func TestFlushRetriesWholeBatchBeforeBisecting(t *testing.T) {
	var attempts [][]int
	failuresLeft := 2
	upsert := func(ctx context.Context, rows []int) (int, error) {
		attempts = append(attempts, append([]int(nil), rows...))
		if failuresLeft > 0 {
			failuresLeft--
			return 0, fmt.Errorf("transient deadlock")
		}
		return len(rows), nil
	}

	cfg := Config{MaxSize: 10, MaxAge: time.Hour, Table: "ints", RetryAttempts: 3, RetryBaseDelay: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}
	w := New(cfg, upsert, nil)

	for _, v := range []int{1, 2, 3, 4} {
		require.NoError(t, w.Submit(context.Background(), v))
	}

	err := w.Flush(context.Background())
	require.NoError(t, err)

	// The whole batch is retried as a single unit on each attempt; no
	// bisection should have occurred despite two failures.
	require.Len(t, attempts, 3)
	for _, a := range attempts {
		assert.Equal(t, []int{1, 2, 3, 4}, a)
	}
	assert.Empty(t, w.Quarantined())
}

func TestFlushBisectsOnlyAfterRetriesExhausted(t *testing.T) {
	var attempts [][]int
	upsert := func(ctx context.Context, rows []int) (int, error) {
		attempts = append(attempts, append([]int(nil), rows...))
		for _, r := range rows {
			if r == 13 {
				return 0, fmt.Errorf("poison row %d", r)
			}
		}
		return len(rows), nil
	}

	cfg := Config{MaxSize: 10, MaxAge: time.Hour, Table: "ints", RetryAttempts: 2, RetryBaseDelay: time.Millisecond, RetryMaxDelay: time.Millisecond}
	w := New(cfg, upsert, nil)

	for _, v := range []int{1, 2, 13, 4} {
		require.NoError(t, w.Submit(context.Background(), v))
	}

	err := w.Flush(context.Background())
	require.Error(t, err)

	// 1 initial attempt + 2 retries of the whole batch, all failing on the
	// poison row, then bisection kicks in and isolates it.
	require.GreaterOrEqual(t, len(attempts), 3)
	quarantined := w.Quarantined()
	require.Len(t, quarantined, 1)
	assert.Equal(t, 13, quarantined[0])
}

func TestFlushOnEmptyBufferIsNoop(t *testing.T) {
	called := false
	upsert := func(ctx context.Context, rows []int) (int, error) {
		called = true
		return 0, nil
	}

	w := New(Config{MaxSize: 10, MaxAge: time.Hour, Table: "ints"}, upsert, nil)
	require.NoError(t, w.Flush(context.Background()))
	assert.False(t, called)
}

type countingMetrics struct {
	flushes      int
	quarantines  int
}

func (m *countingMetrics) RecordFlush(table string, rows, inserted int, err error, latency time.Duration) {
	m.flushes++
}
func (m *countingMetrics) RecordQuarantine(table string, rows int) {
	m.quarantines++
}

func TestMetricsRecordedOnFlush(t *testing.T) {
	upsert := func(ctx context.Context, rows []int) (int, error) {
		return len(rows), nil
	}
	m := &countingMetrics{}
	w := New(Config{MaxSize: 1, MaxAge: time.Hour, Table: "ints"}, upsert, m)

	require.NoError(t, w.Submit(context.Background(), 42))
	assert.Equal(t, 1, m.flushes)
}
