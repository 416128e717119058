package core

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultPollInterval    = 5 * time.Second
	DefaultDispatchTimeout = 2 * time.Minute
)

type WorkerConfig struct {
	// Printer is the target printer handed to every dispatch.
	Printer         string
	PollInterval    time.Duration
	DispatchTimeout time.Duration
	Events          EventSink
	Logger          *zap.Logger
}

// Worker is the single consumer of the job table. It claims one pending job
// at a time, dispatches it and records the terminal status.
type Worker struct {
	store      JobStore
	dispatcher Dispatcher
	printer    string
	poll       time.Duration
	timeout    time.Duration
	events     EventSink
	logger     *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewWorker(store JobStore, dispatcher Dispatcher, cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = DefaultDispatchTimeout
	}
	if cfg.Events == nil {
		cfg.Events = nopSink{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Worker{
		store:      store,
		dispatcher: dispatcher,
		printer:    cfg.Printer,
		poll:       cfg.PollInterval,
		timeout:    cfg.DispatchTimeout,
		events:     cfg.Events,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// Start recovers interrupted jobs and runs the loop in the background until
// Stop is called or ctx ends.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.recoverInterrupted(ctx); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop(ctx)
	}()
	return nil
}

// Stop signals the loop and waits for an in-flight dispatch to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
}

// Run is the blocking form of Start.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-w.stopCh:
	}
	w.Stop()
	return nil
}

func (w *Worker) recoverInterrupted(ctx context.Context) error {
	n, err := w.store.FailInterrupted(ctx, "interrupted by restart while printing")
	if err != nil {
		return fmt.Errorf("failed to recover interrupted jobs: %w", err)
	}
	if n > 0 {
		w.logger.Warn("marked interrupted jobs as failed", zap.Int64("count", n))
	}
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	w.logger.Info("worker started",
		zap.String("printer", w.printer),
		zap.Duration("poll_interval", w.poll),
		zap.Duration("dispatch_timeout", w.timeout))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return
		case <-w.stopCh:
			w.logger.Info("worker stopped")
			return
		case <-timer.C:
		}

		processed, err := w.ProcessNext(ctx)
		if err != nil {
			w.logger.Error("worker iteration aborted", zap.Error(err))
		}

		next := w.poll
		if processed && err == nil {
			next = 0
		}
		timer.Reset(next)
	}
}

// ProcessNext claims and dispatches at most one job. It reports whether a
// job was claimed; the error is non-nil only for store failures.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextPending(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	log := w.logger.With(zap.Int64("job_id", job.ID))
	log.Info("[START] dispatching job",
		zap.String("file", job.OriginalName),
		zap.String("printer", w.printer))
	w.events.Publish(NewJobEvent(EventJobStarted, job))

	start := time.Now()
	dispatchErr := w.dispatch(ctx, job)

	update := StatusUpdate{Status: StatusDone}
	if dispatchErr != nil {
		update = StatusUpdate{
			Status:       StatusFailed,
			ErrorKind:    FailureKind(dispatchErr),
			ErrorMessage: dispatchErr.Error(),
		}
	}

	// the outcome is recorded even when shutdown has begun
	if err := w.store.SetStatus(context.WithoutCancel(ctx), job.ID, update); err != nil {
		if errors.Is(err, ErrConflict) {
			log.Warn("status update conflict, job left as-is", zap.Error(err))
			return true, nil
		}
		return true, fmt.Errorf("record status of job %d: %w", job.ID, err)
	}

	job.Status = update.Status
	job.ErrorKind = update.ErrorKind
	job.ErrorMessage = update.ErrorMessage

	if dispatchErr != nil {
		log.Error("[FINISH] job failed",
			zap.String("kind", update.ErrorKind),
			zap.Duration("duration", time.Since(start)),
			zap.Error(dispatchErr))
		w.events.Publish(NewJobEvent(EventJobFailed, job))
	} else {
		log.Info("[FINISH] job done", zap.Duration("duration", time.Since(start)))
		w.events.Publish(NewJobEvent(EventJobCompleted, job))
	}
	return true, nil
}

func (w *Worker) dispatch(ctx context.Context, job *Job) error {
	if _, err := os.Stat(job.StoredPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrMissingFile, job.StoredPath)
		}
		return fmt.Errorf("%w: %v", ErrDispatch, err)
	}

	// a claimed job runs to completion or timeout; shutdown does not cut it short
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: dispatcher panic: %v", ErrDispatch, r)
			}
		}()
		done <- w.dispatcher.Dispatch(dctx, job.StoredPath, w.printer, job.Settings)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(dctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s: %w", ErrDispatchTimeout, w.timeout, err)
		}
		return err
	case <-dctx.Done():
		return fmt.Errorf("%w after %s", ErrDispatchTimeout, w.timeout)
	}
}
