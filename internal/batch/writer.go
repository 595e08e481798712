// Package batch implements the Batch Writer (spec §4.5): one bounded
// buffer per raw table with size/age flush triggers and bulk upsert
// through persistence.RawRepo[T]. Adapted from the teacher's generic
// Batcher[T] (internal/infrastructure/async/batch.go); unlike the
// teacher's version this writer additionally bisects a batch that fails
// to commit so a single poison row cannot block every other row sharing
// its flush window (spec §4.5 poison-batch handling).
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// UpsertFunc bulk-inserts rows and returns the count actually inserted,
// matching persistence.RawRepo[T].UpsertBatch.
type UpsertFunc[T any] func(ctx context.Context, rows []T) (int, error)

// Config controls flush triggers, mirroring the teacher's BatchConfig
// fields that this domain still needs (MaxBatchSize, FlushInterval), plus
// the whole-batch retry budget tried before a failing batch is bisected.
type Config struct {
	MaxSize  int
	MaxAge   time.Duration
	Table    string

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// DefaultConfig returns the spec §6 default batch parameters.
func DefaultConfig(table string) Config {
	return Config{
		MaxSize:        500,
		MaxAge:         2 * time.Second,
		Table:          table,
		RetryAttempts:  3,
		RetryBaseDelay: 100 * time.Millisecond,
		RetryMaxDelay:  2 * time.Second,
	}
}

// Metrics is the subset of the telemetry bus the Writer reports flush
// outcomes to.
type Metrics interface {
	RecordFlush(table string, rows int, inserted int, err error, latency time.Duration)
	RecordQuarantine(table string, rows int)
}

// Writer buffers rows of one table and flushes them on a size or age
// trigger, whichever comes first.
type Writer[T any] struct {
	cfg     Config
	upsert  UpsertFunc[T]
	metrics Metrics

	mu     sync.Mutex
	buffer []T
	timer  *time.Timer

	quarantineMu sync.Mutex
	quarantined  []T

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Writer backed by upsert (typically a
// persistence.RawRepo[T].UpsertBatch method value).
func New[T any](cfg Config, upsert UpsertFunc[T], metrics Metrics) *Writer[T] {
	return &Writer[T]{
		cfg:     cfg,
		upsert:  upsert,
		metrics: metrics,
		buffer:  make([]T, 0, cfg.MaxSize),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the age-based flush loop. Submit can be called before
// Start; rows just accumulate until the first flush trigger fires.
func (w *Writer[T]) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.ageLoop(ctx)
}

func (w *Writer[T]) ageLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.MaxAge)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.flushIfNonEmpty(ctx)
		}
	}
}

// Submit appends row to the buffer, flushing synchronously if the size
// trigger fires on this call. A synchronous flush here applies the same
// backpressure principle as the Stream Client's read loop: if the store
// is slow, Submit blocks rather than growing the buffer unbounded.
func (w *Writer[T]) Submit(ctx context.Context, row T) error {
	w.mu.Lock()
	w.buffer = append(w.buffer, row)
	full := len(w.buffer) >= w.cfg.MaxSize
	w.mu.Unlock()

	if full {
		return w.flush(ctx)
	}
	return nil
}

func (w *Writer[T]) flushIfNonEmpty(ctx context.Context) {
	w.mu.Lock()
	empty := len(w.buffer) == 0
	w.mu.Unlock()
	if empty {
		return
	}
	if err := w.flush(ctx); err != nil {
		log.Warn().Err(err).Str("table", w.cfg.Table).Msg("batch: age-triggered flush failed")
	}
}

// Flush forces an immediate flush of whatever is buffered, used by Stop
// and by the control plane's drain path.
func (w *Writer[T]) Flush(ctx context.Context) error {
	return w.flush(ctx)
}

func (w *Writer[T]) flush(ctx context.Context) error {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return nil
	}
	rows := w.buffer
	w.buffer = make([]T, 0, w.cfg.MaxSize)
	w.mu.Unlock()

	start := time.Now()
	inserted, err := w.commitWithRetry(ctx, rows)
	latency := time.Since(start)

	if w.metrics != nil {
		w.metrics.RecordFlush(w.cfg.Table, len(rows), inserted, err, latency)
	}
	return err
}

// commitWithRetry retries the whole batch with exponential backoff before
// ever bisecting it: most upsert failures are transient (a deadlock or a
// timeout against the store), and bisecting on the first error turns one
// blip into up to MaxSize individual upsert calls. Bisection only runs
// once the retry budget is exhausted, i.e. the failure looks persistent
// rather than transient (spec §4.5/§7).
func (w *Writer[T]) commitWithRetry(ctx context.Context, rows []T) (int, error) {
	inserted, err := w.upsert(ctx, rows)
	if err == nil {
		return inserted, nil
	}

	for attempt := 1; attempt <= w.cfg.RetryAttempts; attempt++ {
		delay := w.cfg.RetryBaseDelay * time.Duration(1<<uint(attempt-1))
		if w.cfg.RetryMaxDelay > 0 && delay > w.cfg.RetryMaxDelay {
			delay = w.cfg.RetryMaxDelay
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}

		log.Debug().Str("table", w.cfg.Table).Int("attempt", attempt).Int("rows", len(rows)).Err(err).Msg("batch: retrying whole-batch flush")
		inserted, err = w.upsert(ctx, rows)
		if err == nil {
			return inserted, nil
		}
	}

	log.Warn().Str("table", w.cfg.Table).Int("rows", len(rows)).Err(err).Msg("batch: whole-batch retries exhausted, bisecting")
	return w.commitWithBisection(ctx, rows)
}

// commitWithBisection attempts a single bulk upsert; if it fails and the
// batch has more than one row, it is split in half and each half is
// retried independently so a single malformed row cannot block the rest
// of the batch. A one-row batch that still fails is quarantined rather
// than retried indefinitely (spec §4.5).
func (w *Writer[T]) commitWithBisection(ctx context.Context, rows []T) (int, error) {
	inserted, err := w.upsert(ctx, rows)
	if err == nil {
		return inserted, nil
	}

	if len(rows) == 1 {
		w.quarantine(rows)
		return 0, fmt.Errorf("batch: quarantined poison row in %s: %w", w.cfg.Table, err)
	}

	mid := len(rows) / 2
	left, leftErr := w.commitWithBisection(ctx, rows[:mid])
	right, rightErr := w.commitWithBisection(ctx, rows[mid:])

	total := left + right
	if leftErr != nil {
		return total, leftErr
	}
	if rightErr != nil {
		return total, rightErr
	}
	return total, nil
}

func (w *Writer[T]) quarantine(rows []T) {
	w.quarantineMu.Lock()
	w.quarantined = append(w.quarantined, rows...)
	w.quarantineMu.Unlock()

	if w.metrics != nil {
		w.metrics.RecordQuarantine(w.cfg.Table, len(rows))
	}
	log.Warn().Str("table", w.cfg.Table).Int("rows", len(rows)).Msg("batch: row quarantined after repeated upsert failure")
}

// Quarantined returns a copy of the rows that failed to commit even in
// isolation, for the control plane's diagnostic surface.
func (w *Writer[T]) Quarantined() []T {
	w.quarantineMu.Lock()
	defer w.quarantineMu.Unlock()
	out := make([]T, len(w.quarantined))
	copy(out, w.quarantined)
	return out
}

// Stop flushes any buffered rows and stops the age loop.
func (w *Writer[T]) Stop(ctx context.Context) error {
	close(w.stopCh)
	w.wg.Wait()
	return w.flush(ctx)
}
