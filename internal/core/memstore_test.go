package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory JobStore used by the worker and intake tests.
type memStore struct {
	mu     sync.Mutex
	jobs   map[int64]*Job
	nextID int64

	claimErr  error
	createErr error
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[int64]*Job)}
}

func (m *memStore) Create(_ context.Context, nj NewJob) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return 0, m.createErr
	}
	m.nextID++
	m.jobs[m.nextID] = &Job{
		ID:              m.nextID,
		SourceReference: nj.SourceReference,
		OriginalName:    nj.OriginalName,
		StoredPath:      nj.StoredPath,
		Settings:        nj.Settings,
		Status:          StatusPending,
		CreatedAt:       time.Now(),
	}
	return m.nextID, nil
}

func (m *memStore) ClaimNextPending(_ context.Context) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		err := m.claimErr
		m.claimErr = nil
		return nil, err
	}
	ids := make([]int64, 0, len(m.jobs))
	for id, j := range m.jobs {
		if j.Status == StatusPending {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	j := m.jobs[ids[0]]
	j.Status = StatusPrinting
	now := time.Now()
	j.StartedAt = &now
	cp := *j
	return &cp, nil
}

func (m *memStore) SetStatus(_ context.Context, id int64, u StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %w", ErrConflict, ErrNotFound)
	}
	if j.Status == u.Status {
		return nil
	}
	if !j.Status.CanTransitionTo(u.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrConflict, j.Status, u.Status)
	}
	j.Status = u.Status
	j.ErrorKind = u.ErrorKind
	j.ErrorMessage = u.ErrorMessage
	return nil
}

func (m *memStore) Get(_ context.Context, id int64) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) List(_ context.Context, _ JobFilter) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Job
	for _, j := range m.jobs {
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID > out[k].ID })
	return out, nil
}

func (m *memStore) FailInterrupted(_ context.Context, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, j := range m.jobs {
		if j.Status == StatusPrinting {
			j.Status = StatusFailed
			j.ErrorKind = KindInterrupted
			j.ErrorMessage = reason
			n++
		}
	}
	return n, nil
}

func (m *memStore) Stats(_ context.Context) (*QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &QueueStats{}
	for _, j := range m.jobs {
		s.Total++
		switch j.Status {
		case StatusPending:
			s.Pending++
		case StatusPrinting:
			s.Printing++
		case StatusDone:
			s.Done++
		case StatusFailed:
			s.Failed++
		}
	}
	return s, nil
}

func (m *memStore) status(id int64) JobStatus {
	j, _ := m.Get(context.Background(), id)
	if j == nil {
		return ""
	}
	return j.Status
}

func (m *memStore) job(id int64) *Job {
	j, _ := m.Get(context.Background(), id)
	return j
}
