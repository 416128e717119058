package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type dispatchCall struct {
	Path     string
	Printer  string
	Settings Settings
}

// fakeDispatcher records calls and delegates the outcome to fn.
type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
	fn    func(ctx context.Context, path string) error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, path, printer string, s Settings) error {
	f.mu.Lock()
	f.calls = append(f.calls, dispatchCall{Path: path, Printer: printer, Settings: s})
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, path)
	}
	return nil
}

func (f *fakeDispatcher) paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = filepath.Base(c.Path)
	}
	return out
}

type chanSink struct {
	ch chan JobEvent
}

func (c chanSink) Publish(e JobEvent) {
	select {
	case c.ch <- e:
	default:
	}
}

func writeFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
	return path
}

func createJob(t *testing.T, store JobStore, path string, s Settings) int64 {
	t.Helper()
	id, err := store.Create(context.Background(), NewJob{
		SourceReference: "chat:1",
		OriginalName:    filepath.Base(path),
		StoredPath:      path,
		Settings:        s,
	})
	require.NoError(t, err)
	return id
}

func TestWorker_AlwaysSucceedMarksDone(t *testing.T) {
	store := newMemStore()
	disp := &fakeDispatcher{}
	id := createJob(t, store, writeFile(t, t.TempDir(), "cat.png"), DefaultSettings(1))

	w := NewWorker(store, disp, WorkerConfig{Printer: "Office"})
	processed, err := w.ProcessNext(context.Background())

	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, StatusDone, store.status(id))
	require.Len(t, disp.calls, 1)
	assert.Equal(t, "Office", disp.calls[0].Printer)
	assert.Equal(t, DefaultSettings(1), disp.calls[0].Settings)
}

func TestWorker_EmptyQueue(t *testing.T) {
	w := NewWorker(newMemStore(), &fakeDispatcher{}, WorkerConfig{})

	processed, err := w.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestWorker_MissingFileFailsWithoutDispatch(t *testing.T) {
	store := newMemStore()
	disp := &fakeDispatcher{}
	path := writeFile(t, t.TempDir(), "gone.png")
	id := createJob(t, store, path, DefaultSettings(1))
	require.NoError(t, os.Remove(path))

	w := NewWorker(store, disp, WorkerConfig{})
	_, err := w.ProcessNext(context.Background())
	require.NoError(t, err)

	job := store.job(id)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, KindMissingFile, job.ErrorKind)
	assert.Contains(t, job.ErrorMessage, "gone.png")
	assert.Empty(t, disp.calls)
}

func TestWorker_DispatchErrorKinds(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind string
	}{
		{"dispatch", fmt.Errorf("%w: lpr exited with status 1", ErrDispatch), KindDispatch},
		{"unsupported", &UnsupportedTargetError{OS: "linux", Ext: ".docx"}, KindUnsupportedTarget},
		{"not implemented", fmt.Errorf("%w: %w", ErrDispatch, ErrNotImplemented), KindNotImplemented},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			disp := &fakeDispatcher{fn: func(context.Context, string) error { return tt.err }}
			id := createJob(t, store, writeFile(t, t.TempDir(), "f.png"), DefaultSettings(1))

			w := NewWorker(store, disp, WorkerConfig{})
			_, err := w.ProcessNext(context.Background())
			require.NoError(t, err)

			job := store.job(id)
			assert.Equal(t, StatusFailed, job.Status)
			assert.Equal(t, tt.wantKind, job.ErrorKind)
			assert.Equal(t, tt.err.Error(), job.ErrorMessage)
		})
	}
}

func TestWorker_DispatchTimeout(t *testing.T) {
	store := newMemStore()
	disp := &fakeDispatcher{fn: func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	id := createJob(t, store, writeFile(t, t.TempDir(), "slow.pdf"), DefaultSettings(1))

	w := NewWorker(store, disp, WorkerConfig{DispatchTimeout: 20 * time.Millisecond})
	_, err := w.ProcessNext(context.Background())
	require.NoError(t, err)

	job := store.job(id)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, KindTimeout, job.ErrorKind)
}

func TestWorker_DispatcherPanicIsContained(t *testing.T) {
	store := newMemStore()
	disp := &fakeDispatcher{fn: func(context.Context, string) error { panic("driver exploded") }}
	dir := t.TempDir()
	bad := createJob(t, store, writeFile(t, dir, "bad.png"), DefaultSettings(1))

	w := NewWorker(store, disp, WorkerConfig{})
	_, err := w.ProcessNext(context.Background())
	require.NoError(t, err)

	job := store.job(bad)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, KindDispatch, job.ErrorKind)
	assert.Contains(t, job.ErrorMessage, "driver exploded")

	// the queue keeps going
	disp.fn = nil
	good := createJob(t, store, writeFile(t, dir, "good.png"), DefaultSettings(1))
	_, err = w.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusDone, store.status(good))
}

func TestWorker_StoreErrorAbortsIteration(t *testing.T) {
	store := newMemStore()
	store.claimErr = fmt.Errorf("%w: disk I/O error", ErrStorage)

	w := NewWorker(store, &fakeDispatcher{}, WorkerConfig{})
	processed, err := w.ProcessNext(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStorage))
	assert.False(t, processed)
}

func TestWorker_ProcessesInCreationOrder(t *testing.T) {
	store := newMemStore()
	dir := t.TempDir()

	var mu sync.Mutex
	var inFlight, maxInFlight int
	disp := &fakeDispatcher{fn: func(_ context.Context, path string) error {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		if filepath.Base(path) == "B.png" {
			time.Sleep(80 * time.Millisecond)
		}

		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	}}

	ids := []int64{
		createJob(t, store, writeFile(t, dir, "A.png"), DefaultSettings(1)),
		createJob(t, store, writeFile(t, dir, "B.png"), DefaultSettings(1)),
		createJob(t, store, writeFile(t, dir, "C.png"), DefaultSettings(1)),
	}

	events := make(chan JobEvent, 16)
	w := NewWorker(store, disp, WorkerConfig{
		PollInterval: 10 * time.Millisecond,
		Events:       chanSink{ch: events},
	})
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	var completed []int64
	timeout := time.After(5 * time.Second)
	for len(completed) < 3 {
		select {
		case e := <-events:
			if e.Type == EventJobCompleted {
				completed = append(completed, e.JobID)
			}
		case <-timeout:
			t.Fatalf("only %d jobs completed", len(completed))
		}
	}

	assert.Equal(t, ids, completed)
	assert.Equal(t, []string{"A.png", "B.png", "C.png"}, disp.paths())
	assert.Equal(t, 1, maxInFlight)
}

func TestWorker_StartFailsInterruptedJobs(t *testing.T) {
	store := newMemStore()
	dir := t.TempDir()
	id := createJob(t, store, writeFile(t, dir, "half.png"), DefaultSettings(1))
	_, err := store.ClaimNextPending(context.Background())
	require.NoError(t, err)

	core, logs := observer.New(zapcore.InfoLevel)
	w := NewWorker(store, &fakeDispatcher{}, WorkerConfig{
		PollInterval: time.Hour,
		Logger:       zap.New(core),
	})
	require.NoError(t, w.Start(context.Background()))
	w.Stop()

	job := store.job(id)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, KindInterrupted, job.ErrorKind)
	assert.Equal(t, 1, logs.FilterMessage("marked interrupted jobs as failed").Len())
}

func TestWorker_RunStopsWithContext(t *testing.T) {
	w := NewWorker(newMemStore(), &fakeDispatcher{}, WorkerConfig{PollInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorker_LogsOutcomeWithJobID(t *testing.T) {
	store := newMemStore()
	id := createJob(t, store, writeFile(t, t.TempDir(), "x.png"), DefaultSettings(1))

	core, logs := observer.New(zapcore.InfoLevel)
	w := NewWorker(store, &fakeDispatcher{}, WorkerConfig{Logger: zap.New(core)})
	_, err := w.ProcessNext(context.Background())
	require.NoError(t, err)

	entries := logs.FilterMessage("[FINISH] job done").All()
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ContextMap()["job_id"])
}
