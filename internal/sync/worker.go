package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dripsynclabs/dripsync/internal/ledger"
	"github.com/dripsynclabs/dripsync/internal/prefs"
)

// Outcome classifies one worker run.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeRetryable Outcome = "retryable"
	OutcomeFailed    Outcome = "failed"
)

// RunState tracks the worker's state machine: Idle -> Running ->
// (Success | Retryable | Failed) -> Idle.
type RunState string

const (
	StateIdle    RunState = "idle"
	StateRunning RunState = "running"
)

const (
	defaultMaxAttempts    = 3
	defaultRetryBackoff   = 2 * time.Second
	defaultPublishTimeout = 10 * time.Second
)

// Worker periodically re-broadcasts all of today's local records and the
// current preference snapshot. It is the sole retry mechanism for publish
// failures: there is no persistent outbox beyond whatever is still in
// today's range, which is why each run re-scans by date rather than
// draining a queue.
type Worker struct {
	ledger         *ledger.Store
	prefs          *prefs.Store
	publisher      *Publisher
	interval       time.Duration
	maxAttempts    int
	retryBackoff   time.Duration
	publishTimeout time.Duration
	logger         *zap.Logger

	kick chan struct{}

	mu          sync.Mutex
	state       RunState
	lastOutcome Outcome
}

// WorkerConfig wires the worker's collaborators. Interval is the scheduled
// reconciliation period; MaxAttempts defaults to 3.
type WorkerConfig struct {
	Ledger         *ledger.Store
	Prefs          *prefs.Store
	Publisher      *Publisher
	Interval       time.Duration
	MaxAttempts    int
	RetryBackoff   time.Duration
	PublishTimeout time.Duration
	Logger         *zap.Logger
}

// NewWorker constructs a reconciliation worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("sync: worker requires a ledger store")
	}
	if cfg.Prefs == nil {
		return nil, fmt.Errorf("sync: worker requires a preference store")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("sync: worker requires a publisher")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("sync: worker interval must be positive")
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	retryBackoff := cfg.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = defaultRetryBackoff
	}
	publishTimeout := cfg.PublishTimeout
	if publishTimeout <= 0 {
		publishTimeout = defaultPublishTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Worker{
		ledger:         cfg.Ledger,
		prefs:          cfg.Prefs,
		publisher:      cfg.Publisher,
		interval:       cfg.Interval,
		maxAttempts:    maxAttempts,
		retryBackoff:   retryBackoff,
		publishTimeout: publishTimeout,
		logger:         logger,
		kick:           make(chan struct{}, 1),
		state:          StateIdle,
	}, nil
}

// Kick requests a prompt run, used after every successful local write so
// peer catch-up does not wait for the timer. Never blocks the write path.
func (w *Worker) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// State returns the current state machine position.
func (w *Worker) State() RunState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// LastOutcome returns the outcome of the most recently completed run.
func (w *Worker) LastOutcome() Outcome {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastOutcome
}

// Start runs the reconciliation loop until the context is cancelled. Runs
// execute sequentially on this goroutine; a trigger arriving mid-run is
// honored by the next iteration rather than preempting the current one.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.kick:
		}
		w.RunOnce(ctx)
	}
}

// RunOnce performs one reconciliation run: re-publish every record in
// today's range, then the preference snapshot, retrying up to the attempt
// ceiling. Each trigger starts a fresh attempt counter.
func (w *Worker) RunOnce(ctx context.Context) Outcome {
	w.setState(StateRunning)
	outcome := w.run(ctx)
	w.finish(outcome)

	switch outcome {
	case OutcomeSuccess:
		w.logger.Debug("reconciliation complete")
	case OutcomeFailed:
		w.logger.Warn("reconciliation failed, will retry on next trigger",
			zap.Int("max_attempts", w.maxAttempts))
	}
	return outcome
}

func (w *Worker) run(ctx context.Context) Outcome {
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		failed := w.publishAll(ctx)
		if failed == 0 {
			return OutcomeSuccess
		}
		if ctx.Err() != nil {
			return OutcomeFailed
		}
		w.logger.Info("reconciliation attempt had failures",
			zap.Int("attempt", attempt),
			zap.Int("failed", failed))
		if attempt == w.maxAttempts {
			break
		}
		// Attempt budget remains: note the retryable outcome, back off, then
		// re-scan and re-publish. Republishing already-delivered records is
		// harmless under the idempotent merge.
		w.noteRetryable()
		select {
		case <-ctx.Done():
			return OutcomeFailed
		case <-time.After(w.retryBackoff):
		}
	}
	return OutcomeFailed
}

// publishAll re-publishes today's records and the preference snapshot. Each
// publish is attempted independently; partial success is expected.
func (w *Worker) publishAll(ctx context.Context) int {
	failed := 0

	start, end := w.ledger.TodayRange()
	records, err := w.ledger.QueryRange(ctx, start, end)
	if err != nil {
		w.logger.Error("reconciliation range scan failed", zap.Error(err))
		return 1
	}

	for _, record := range records {
		if err := w.publishRecord(ctx, record); err != nil {
			failed++
		}
	}

	snapshot, err := w.prefs.Get(ctx)
	if err != nil {
		w.logger.Error("reconciliation preference read failed", zap.Error(err))
		failed++
	} else if err := w.publishPreferences(ctx, snapshot); err != nil {
		failed++
	}

	return failed
}

func (w *Worker) publishRecord(ctx context.Context, record ledger.Record) error {
	publishCtx, cancel := context.WithTimeout(ctx, w.publishTimeout)
	defer cancel()
	return w.publisher.PublishRecord(publishCtx, record)
}

func (w *Worker) publishPreferences(ctx context.Context, snapshot prefs.Snapshot) error {
	publishCtx, cancel := context.WithTimeout(ctx, w.publishTimeout)
	defer cancel()
	return w.publisher.PublishPreferences(publishCtx, snapshot)
}

// noteRetryable records that the run is still in flight after a failed
// attempt with budget remaining; the state stays Running.
func (w *Worker) noteRetryable() {
	w.mu.Lock()
	w.lastOutcome = OutcomeRetryable
	w.mu.Unlock()
}

func (w *Worker) setState(state RunState) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

func (w *Worker) finish(outcome Outcome) {
	w.mu.Lock()
	w.state = StateIdle
	w.lastOutcome = outcome
	w.mu.Unlock()
}
