package anchor

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/trialmesh/chronicle/pkg/digest"
)

// WorkerConfig tunes the anchoring schedules.
type WorkerConfig struct {
	// SubmitInterval is the batching cadence.
	SubmitInterval time.Duration
	// PollInterval is the base cadence for checking pending batches.
	PollInterval time.Duration
	// BatchLimit caps the digests collected per batch.
	BatchLimit int
	// RetryInitial and RetryMax bound the backoff between failing polls of
	// one batch.
	RetryInitial time.Duration
	RetryMax     time.Duration
}

func (c *WorkerConfig) applyDefaults() {
	if c.SubmitInterval <= 0 {
		c.SubmitInterval = time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 1000
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 10 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 10 * time.Minute
	}
}

// PendingSource lists digests still awaiting anchoring.
type PendingSource interface {
	UnanchoredDigests(ctx context.Context, limit int) ([]digest.Digest, error)
}

// Worker drives anchoring on an independent schedule, fully decoupled from
// the append path: ingestion never waits on anything in this file.
type Worker struct {
	client  *Client
	pending PendingSource
	batches BatchStore
	cfg     WorkerConfig
	logger  *slog.Logger

	mu       sync.Mutex
	attempts map[string]int
	nextPoll map[string]time.Time

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewWorker creates a worker over the given client and stores.
func NewWorker(client *Client, pending PendingSource, batches BatchStore, cfg WorkerConfig, logger *slog.Logger) *Worker {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		client:   client,
		pending:  pending,
		batches:  batches,
		cfg:      cfg,
		logger:   logger,
		attempts: make(map[string]int),
		nextPoll: make(map[string]time.Time),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the submit and poll loops.
func (w *Worker) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	w.wg.Add(2)
	go w.submitLoop()
	go w.pollLoop()
}

// Stop halts both loops and waits for in-flight work to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()
}

func (w *Worker) submitLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.SubmitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.SubmitOnce(context.Background())
		case <-w.stopCh:
			return
		}
	}
}

func (w *Worker) pollLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.PollOnce(context.Background())
		case <-w.stopCh:
			return
		}
	}
}

// SubmitOnce collects the currently unanchored digests and submits one
// batch. Exposed so the CLI and tests can drive a single cycle.
func (w *Worker) SubmitOnce(ctx context.Context) {
	digests, err := w.pending.UnanchoredDigests(ctx, w.cfg.BatchLimit)
	if err != nil {
		w.logger.Error("failed to collect unanchored digests", "error", err)
		return
	}
	if len(digests) == 0 {
		return
	}
	if _, err := w.client.SubmitBatch(ctx, digests); err != nil {
		// Unreachable authority keeps digests pending; they are retried on
		// the next cycle and never dropped.
		w.logger.Warn("batch submission deferred", "error", err, "digests", len(digests))
	}
}

// PollOnce polls every pending batch that is due, honoring per-batch backoff.
func (w *Worker) PollOnce(ctx context.Context) {
	pending, err := w.batches.PendingBatches(ctx)
	if err != nil {
		w.logger.Error("failed to list pending batches", "error", err)
		return
	}

	now := time.Now()
	for _, batch := range pending {
		if !w.due(batch.ID, now) {
			continue
		}
		result, err := w.client.PollMaturation(ctx, batch)
		switch {
		case err != nil && errors.Is(err, ErrAnchoringUnavailable):
			w.backoff(batch.ID, now)
			w.logger.Warn("maturation poll deferred", "batch_id", batch.ID, "error", err)
		case err != nil:
			w.backoff(batch.ID, now)
			w.logger.Error("maturation poll failed", "batch_id", batch.ID, "error", err)
		case result.State == StateStillPending:
			w.backoff(batch.ID, now)
		default:
			w.forget(batch.ID)
		}
	}
}

// due reports whether a batch should be polled now.
func (w *Worker) due(id string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	next, ok := w.nextPoll[id]
	return !ok || !now.Before(next)
}

func (w *Worker) backoff(id string, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempts[id]++
	delay := exponentialBackoff(w.attempts[id], w.cfg.RetryInitial, w.cfg.RetryMax)
	w.nextPoll[id] = now.Add(delay)
}

func (w *Worker) forget(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.attempts, id)
	delete(w.nextPoll, id)
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 0 {
		if initial <= 0 {
			return time.Second
		}
		return initial
	}
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}
