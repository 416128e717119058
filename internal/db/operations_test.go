package db

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/orrn/printbot/internal/core"
)

func newTestStore(t *testing.T) (*JobStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "printbot.db")
	conn, err := OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	store := NewJobStore(conn)
	t.Cleanup(func() { store.Close() })
	return store, path
}

func mustCreate(t *testing.T, s core.JobStore, name string) int64 {
	t.Helper()
	id, err := s.Create(context.Background(), core.NewJob{
		SourceReference: "chat:1",
		OriginalName:    name,
		StoredPath:      "/var/spool/printbot/" + name,
		Settings:        core.DefaultSettings(1),
	})
	require.NoError(t, err)
	return id
}

func TestJobStore_CreateAndGet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	settings := core.DefaultSettings(1)
	settings.Copies = 3
	settings.Pages = "1-2"
	id, err := store.Create(ctx, core.NewJob{
		SourceReference: "chat:77",
		OriginalName:    "invoice.pdf",
		StoredPath:      "/files/invoice.pdf",
		Settings:        settings,
	})
	require.NoError(t, err)

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, core.StatusPending, job.Status)
	assert.Equal(t, "chat:77", job.SourceReference)
	assert.Equal(t, "invoice.pdf", job.OriginalName)
	assert.Equal(t, settings, job.Settings)
	assert.False(t, job.CreatedAt.IsZero())
	assert.Nil(t, job.StartedAt)

	missing, err := store.Get(ctx, id+100)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestJobStore_StoredPathIsUnique(t *testing.T) {
	store, _ := newTestStore(t)
	mustCreate(t, store, "dup.png")

	_, err := store.Create(context.Background(), core.NewJob{
		OriginalName: "dup.png",
		StoredPath:   "/var/spool/printbot/dup.png",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrStorage))
}

func TestJobStore_ClaimInCreationOrder(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	a := mustCreate(t, store, "a.png")
	b := mustCreate(t, store, "b.png")
	c := mustCreate(t, store, "c.png")

	for _, want := range []int64{a, b, c} {
		job, err := store.ClaimNextPending(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, want, job.ID)
		assert.Equal(t, core.StatusPrinting, job.Status)
		assert.NotNil(t, job.StartedAt)
	}

	job, err := store.ClaimNextPending(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestJobStore_ConcurrentClaimsAreExclusive(t *testing.T) {
	store, path := newTestStore(t)
	const jobs = 40
	for i := 0; i < jobs; i++ {
		mustCreate(t, store, fmt.Sprintf("job-%02d.png", i))
	}

	// separate connections contend on the file lock, not just the pool
	claimers := []*JobStore{store}
	for i := 0; i < 3; i++ {
		conn, err := OpenSQLite(context.Background(), path)
		require.NoError(t, err)
		other := NewJobStore(conn)
		t.Cleanup(func() { other.Close() })
		claimers = append(claimers, other)
	}

	var (
		mu      sync.Mutex
		claimed []int64
		wg      sync.WaitGroup
	)
	for _, c := range claimers {
		for g := 0; g < 2; g++ {
			wg.Add(1)
			go func(c *JobStore) {
				defer wg.Done()
				var last int64
				for {
					job, err := c.ClaimNextPending(context.Background())
					if !assert.NoError(t, err) || job == nil {
						return
					}
					assert.Greater(t, job.ID, last, "claims from one caller must be increasing")
					last = job.ID
					mu.Lock()
					claimed = append(claimed, job.ID)
					mu.Unlock()
				}
			}(c)
		}
	}
	wg.Wait()

	require.Len(t, claimed, jobs)
	sort.Slice(claimed, func(i, j int) bool { return claimed[i] < claimed[j] })
	for i := 1; i < len(claimed); i++ {
		assert.NotEqual(t, claimed[i-1], claimed[i], "job claimed twice")
	}

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, jobs, stats.Printing)
	assert.Equal(t, 0, stats.Pending)
}

func TestJobStore_SetStatusTransitions(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	id := mustCreate(t, store, "x.png")

	// pending cannot jump to a terminal state
	err := store.SetStatus(ctx, id, core.StatusUpdate{Status: core.StatusDone})
	assert.True(t, errors.Is(err, core.ErrConflict))

	// writing the current status is a no-op
	require.NoError(t, store.SetStatus(ctx, id, core.StatusUpdate{Status: core.StatusPending}))

	_, err = store.ClaimNextPending(ctx)
	require.NoError(t, err)

	require.NoError(t, store.SetStatus(ctx, id, core.StatusUpdate{
		Status:       core.StatusFailed,
		ErrorKind:    core.KindDispatch,
		ErrorMessage: "lpr: printer not found",
	}))
	require.NoError(t, store.SetStatus(ctx, id, core.StatusUpdate{Status: core.StatusFailed}))

	for _, next := range []core.JobStatus{core.StatusPending, core.StatusPrinting, core.StatusDone} {
		err := store.SetStatus(ctx, id, core.StatusUpdate{Status: next})
		assert.True(t, errors.Is(err, core.ErrConflict), "failed -> %s", next)
	}

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, job.Status)
	assert.Equal(t, core.KindDispatch, job.ErrorKind)
	assert.Equal(t, "lpr: printer not found", job.ErrorMessage)
	require.NotNil(t, job.FinishedAt)
	require.NotNil(t, job.StartedAt)
	assert.GreaterOrEqual(t, job.Duration().Nanoseconds(), int64(0))
}

func TestJobStore_SetStatusUnknownJob(t *testing.T) {
	store, _ := newTestStore(t)

	err := store.SetStatus(context.Background(), 404, core.StatusUpdate{Status: core.StatusDone})
	assert.True(t, errors.Is(err, core.ErrConflict))
	assert.True(t, errors.Is(err, core.ErrNotFound))

	err = store.SetStatus(context.Background(), 1, core.StatusUpdate{Status: "paused"})
	assert.True(t, errors.Is(err, core.ErrConflict))
}

func TestJobStore_ListNewestFirstWithFilters(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first := mustCreate(t, store, "1.png")
	second, err := store.Create(ctx, core.NewJob{
		SourceReference: "chat:2", OriginalName: "2.png", StoredPath: "/f/2.png",
	})
	require.NoError(t, err)
	third := mustCreate(t, store, "3.png")

	_, err = store.ClaimNextPending(ctx)
	require.NoError(t, err)

	all, err := store.List(ctx, core.JobFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{third, second, first}, []int64{all[0].ID, all[1].ID, all[2].ID})

	printing, err := store.List(ctx, core.JobFilter{Status: core.StatusPrinting})
	require.NoError(t, err)
	require.Len(t, printing, 1)
	assert.Equal(t, first, printing[0].ID)

	bySource, err := store.List(ctx, core.JobFilter{SourceReference: "chat:2"})
	require.NoError(t, err)
	require.Len(t, bySource, 1)
	assert.Equal(t, second, bySource[0].ID)

	page, err := store.List(ctx, core.JobFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, second, page[0].ID)
}

func TestJobStore_FailInterrupted(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	stuck := mustCreate(t, store, "stuck.png")
	waiting := mustCreate(t, store, "waiting.png")
	_, err := store.ClaimNextPending(ctx)
	require.NoError(t, err)

	n, err := store.FailInterrupted(ctx, "process restarted")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	job, err := store.Get(ctx, stuck)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, job.Status)
	assert.Equal(t, core.KindInterrupted, job.ErrorKind)

	job, err = store.Get(ctx, waiting)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, job.Status)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.QueueStats{Pending: 1, Failed: 1, Total: 2}, *stats)
}

func TestOpenSQLite_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "printbot.db")
	ctx := context.Background()

	conn, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	conn, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer conn.Close()

	var count int
	require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle"})
	require.Error(t, err)
}

func TestJobStore_CorruptSettingsAreLogged(t *testing.T) {
	store, _ := newTestStore(t)
	obs, logs := observer.New(zapcore.WarnLevel)
	store.SetLogger(zap.New(obs))
	ctx := context.Background()

	id := mustCreate(t, store, "report.pdf")
	_, err := store.db.ExecContext(ctx, "UPDATE jobs SET settings = ? WHERE id = ?", `{"copies": [`, id)
	require.NoError(t, err)

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, core.DefaultSettings(1), job.Settings)

	entries := logs.FilterMessage("stored settings unreadable, using defaults").All()
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ContextMap()["job_id"])
}
