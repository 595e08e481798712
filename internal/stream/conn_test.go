package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sawpanic/mdingest/internal/net/circuit"
)

// countingShardBreaker is a test ShardBreaker that just counts recorded
// outcomes, standing in for gobreakerShard without pulling in gobreaker.
type countingShardBreaker struct {
	mu       sync.Mutex
	failures int
	open     bool
}

func (c *countingShardBreaker) Record(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.failures++
	}
}

func (c *countingShardBreaker) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *countingShardBreaker) failureCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// TestRunSurfacesReconnectFailuresToShardBreaker is a regression test:
// previously every error branch inside Run was handled internally via
// continue/backoff and Run only ever returned nil, so a shard's
// gobreaker never observed a failure and could never trip. Run must now
// report each failed reconnect attempt to its attached ShardBreaker.
func TestRunSurfacesReconnectFailuresToShardBreaker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "ws://127.0.0.1:1/unreachable" // nothing listens on port 1: dial fails fast
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffCeiling = 2 * time.Millisecond
	cfg.HandshakeTimeout = 50 * time.Millisecond
	cfg.CircuitConfig = circuit.Config{
		FailureThreshold: 1000, // keep the per-connection breaker closed for this test
		SuccessThreshold: 1,
		Timeout:          time.Millisecond,
		RequestTimeout:   50 * time.Millisecond,
	}

	conn := New("test-conn", cfg, func(seq uint64, frame *ParsedFrame) {})
	breaker := &countingShardBreaker{}
	conn.SetShardBreaker(breaker)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := conn.Run(ctx)
	assert.NoError(t, err, "Run returns nil on context cancellation, same as before")
	assert.Greater(t, breaker.failureCount(), 0, "at least one failed reconnect attempt must be recorded on the shard breaker")
}

// TestWaitForShardHalfOpenBlocksWhileShardOpen verifies that once the
// shard breaker reports itself open, Run stops attempting to reconnect
// until it closes again or ctx is cancelled.
func TestWaitForShardHalfOpenBlocksWhileShardOpen(t *testing.T) {
	cfg := DefaultConfig()
	conn := New("test-conn", cfg, func(seq uint64, frame *ParsedFrame) {})

	breaker := &countingShardBreaker{open: true}
	conn.SetShardBreaker(breaker)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	var result int32
	go func() {
		done <- conn.waitForShardHalfOpen(ctx)
	}()

	select {
	case <-done:
		t.Fatal("waitForShardHalfOpen returned while the shard breaker was still open")
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	select {
	case r := <-done:
		assert.False(t, r)
		atomic.StoreInt32(&result, 1)
	case <-time.After(time.Second):
		t.Fatal("waitForShardHalfOpen did not return after ctx cancellation")
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&result))
}
