package retention

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRetentionRepo struct {
	mu           sync.Mutex
	compressCall int
	dropCall     int
	concurrent   int
	maxConcurrent int
	failDrop     bool
}

func (f *fakeRetentionRepo) CompressOlderThan(ctx context.Context, table string, cutoff time.Time) (int, error) {
	f.mu.Lock()
	f.compressCall++
	f.mu.Unlock()
	return 3, nil
}

func (f *fakeRetentionRepo) DropOlderThan(ctx context.Context, table string, cutoff time.Time) (int, error) {
	f.mu.Lock()
	f.concurrent++
	if f.concurrent > f.maxConcurrent {
		f.maxConcurrent = f.concurrent
	}
	fail := f.failDrop
	f.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	f.dropCall++
	f.concurrent--
	f.mu.Unlock()

	if fail {
		return 0, fmt.Errorf("simulated drop failure")
	}
	return 5, nil
}

func TestRunOnceAppliesCompressAndDrop(t *testing.T) {
	repo := &fakeRetentionRepo{}
	m := New(repo, []Policy{{Table: "depth_deltas", CompressAfter: time.Hour, DropAfter: 2 * time.Hour}}, time.Minute, nil)

	m.RunOnce(context.Background())

	assert.Equal(t, 1, repo.compressCall)
	assert.Equal(t, 1, repo.dropCall)
}

func TestRunOnceNeverOverlapsSameTable(t *testing.T) {
	repo := &fakeRetentionRepo{}
	// two policies targeting the same table would be unusual, but the
	// lockFor mechanism must still serialize their drop calls for one
	// table even if invoked concurrently.
	m := New(repo, []Policy{
		{Table: "trades", DropAfter: time.Hour},
		{Table: "trades", DropAfter: 2 * time.Hour},
	}, time.Minute, nil)

	m.RunOnce(context.Background())

	assert.LessOrEqual(t, repo.maxConcurrent, 1, "same-table policy runs must be serialized")
}

type capturingMetrics struct {
	outcomes []Outcome
	mu       sync.Mutex
}

func (c *capturingMetrics) RecordRetentionOutcome(o Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, o)
}

func TestFailedDropReportedToMetrics(t *testing.T) {
	repo := &fakeRetentionRepo{failDrop: true}
	metrics := &capturingMetrics{}
	m := New(repo, []Policy{{Table: "depth_deltas", DropAfter: time.Hour}}, time.Minute, metrics)

	m.RunOnce(context.Background())

	require.Len(t, metrics.outcomes, 1)
	assert.Error(t, metrics.outcomes[0].Err)
}
