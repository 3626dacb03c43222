package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tanq16/torboost/internal/chunk"
	"github.com/tanq16/torboost/internal/circuit"
	"github.com/tanq16/torboost/internal/fetcher"
	"github.com/tanq16/torboost/internal/queue"
	"github.com/tanq16/torboost/internal/utils"
)

var (
	ErrChunkFailed = errors.New("engine: chunk permanently failed")
	ErrIncomplete  = errors.New("engine: chunks missing after queue drained")
	ErrNoEndpoints = errors.New("engine: no endpoints")
)

// ChunkFailedError reports a range that exhausted its retry budget.
type ChunkFailedError struct {
	Range    chunk.ByteRange
	Attempts int
	Err      error
}

func (e *ChunkFailedError) Error() string {
	return fmt.Sprintf("chunk %s failed after %d attempts: %v", e.Range, e.Attempts, e.Err)
}

func (e *ChunkFailedError) Unwrap() error {
	return e.Err
}

func (e *ChunkFailedError) Is(target error) bool {
	return target == ErrChunkFailed
}

// RetryPolicy bounds how often a failing range is requeued. MaxAttempts of
// zero retries forever: a range whose every circuit keeps failing then stalls
// the download indefinitely.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Delay is the wait before the retry that follows failed attempt number
// attempt (1-based): BaseDelay doubled per attempt, capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 || attempt < 1 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	delay := p.BaseDelay * time.Duration(1<<(attempt-1))
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay <= 0) {
		delay = p.MaxDelay
	}
	return delay
}

func (p RetryPolicy) exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

type Options struct {
	Retry            RetryPolicy
	ProgressInterval time.Duration
}

// Engine drives one session: one worker per endpoint over a shared queue.
type Engine struct {
	session   *Session
	store     *chunk.Store
	fetcher   fetcher.Fetcher
	endpoints []circuit.Endpoint
	opts      Options
	queue     *queue.Queue
	progress  *Progress

	mu       sync.Mutex
	failures []error
}

func New(session *Session, store *chunk.Store, f fetcher.Fetcher, endpoints []circuit.Endpoint, opts Options) *Engine {
	return &Engine{
		session:   session,
		store:     store,
		fetcher:   f,
		endpoints: endpoints,
		opts:      opts,
		queue:     queue.New(),
		progress:  NewProgress(len(session.Ranges), session.ContentSize),
	}
}

func (e *Engine) Progress() *Progress {
	return e.progress
}

// Run returns once every task has been acknowledged. Workers are not waited
// for; they are released by cancelling their context.
func (e *Engine) Run(ctx context.Context) error {
	log := utils.GetLogger("engine").With().Str("run", e.session.RunID).Logger()
	if len(e.endpoints) == 0 {
		return ErrNoEndpoints
	}
	if err := e.store.Ensure(); err != nil {
		return err
	}
	log.Info().Msgf("Chunks are being saved in %s", e.store.Dir())

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer e.queue.Close()

	for _, task := range Seed(e.session.Ranges, len(e.endpoints)) {
		e.queue.Put(task)
	}
	log.Debug().Int("tasks", len(e.session.Ranges)).Int("workers", len(e.endpoints)).Msg("Queue seeded")

	go e.progress.Report(workerCtx, e.opts.ProgressInterval)
	for _, ep := range e.endpoints {
		go e.worker(workerCtx, ep)
	}

	if err := e.queue.Join(ctx); err != nil {
		return fmt.Errorf("download interrupted: %w", err)
	}
	cancel()
	e.progress.Summary()

	e.mu.Lock()
	failures := e.failures
	e.mu.Unlock()
	if len(failures) > 0 {
		return errors.Join(failures...)
	}
	if missing := e.store.Missing(e.session.Ranges); len(missing) > 0 {
		return fmt.Errorf("%w: %d of %d ranges, first %s", ErrIncomplete, len(missing), len(e.session.Ranges), missing[0])
	}
	return nil
}

func (e *Engine) worker(ctx context.Context, ep circuit.Endpoint) {
	log := utils.GetLogger("worker").With().Int("worker", ep.ID).Logger()
	for {
		task, err := e.queue.Get(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("Worker stopping")
			return
		}
		e.attempt(ctx, ep, task)
		e.queue.Done()
	}
}

// attempt fetches task.Range through ep and requeues it on failure. The
// requeue happens before the caller acknowledges the dequeue, so the queue
// never looks drained while the range is still pending.
func (e *Engine) attempt(ctx context.Context, ep circuit.Endpoint, task queue.Task) {
	log := utils.GetLogger("worker").With().
		Int("worker", ep.ID).
		Stringer("range", task.Range).
		Int("attempt", task.Attempt).
		Logger()
	log.Debug().Int("assigned", task.Endpoint).Msg("Requesting chunk")
	skipped, err := e.fetcher.Fetch(ctx, task.Range, ep, e.store.Path(task.Range))
	if err == nil {
		e.progress.Add(task.Range, skipped)
		if !skipped {
			log.Info().Msgf("Worker [%d] saved chunk %s", ep.ID, task.Range)
		}
		return
	}
	if ctx.Err() != nil {
		return
	}
	if e.opts.Retry.exhausted(task.Attempt) {
		log.Error().Err(err).Msg("Chunk failed permanently")
		e.mu.Lock()
		e.failures = append(e.failures, &ChunkFailedError{Range: task.Range, Attempts: task.Attempt, Err: err})
		e.mu.Unlock()
		return
	}
	delay := e.opts.Retry.Delay(task.Attempt)
	log.Debug().Err(err).Dur("delay", delay).Msg("Chunk attempt failed, putting it back in the queue")
	e.queue.PutAfter(queue.Task{
		Range:    task.Range,
		Endpoint: ep.ID,
		Attempt:  task.Attempt + 1,
	}, delay)
}
