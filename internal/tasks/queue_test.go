package tasks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memsci/internal/relational"
	"memsci/internal/types"
)

type fakeTaskStore struct {
	mu       sync.Mutex
	inserted []relational.TaskRow
	statuses map[string]relational.TaskStatus
	retries  map[string]int
	pending  []relational.TaskRow
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{
		statuses: map[string]relational.TaskStatus{},
		retries:  map[string]int{},
	}
}

func (s *fakeTaskStore) InsertTask(_ context.Context, t relational.TaskRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, t)
	return nil
}

func (s *fakeTaskStore) UpdateTaskStatus(_ context.Context, id string, status relational.TaskStatus, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = status
	return nil
}

func (s *fakeTaskStore) IncrementTaskRetries(_ context.Context, id, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries[id]++
	return nil
}

func (s *fakeTaskStore) PendingTasks(_ context.Context, _ int) ([]relational.TaskRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending, nil
}

func (s *fakeTaskStore) status(id string) relational.TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[id]
}

func waitIdle(t *testing.T, q *Queue) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		q.mu.Lock()
		busy := false
		for _, uq := range q.users {
			if uq.running || len(uq.pending) > 0 {
				busy = true
			}
		}
		q.mu.Unlock()
		if !busy {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("queue never drained")
}

func TestSubmitRejectsUnknownKind(t *testing.T) {
	q := NewQueue(nil, nil, 2, 0)
	_, err := q.Submit(context.Background(), "u1", "nope", nil)
	assert.Error(t, err)
}

func TestPerUserFIFO(t *testing.T) {
	q := NewQueue(nil, nil, 4, 0)

	var mu sync.Mutex
	ran := []string{}
	q.Register("record", func(_ context.Context, task relational.TaskRow) error {
		mu.Lock()
		ran = append(ran, string(task.Payload))
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		return nil
	})

	for _, payload := range []string{"a", "b", "c", "d"} {
		_, err := q.Submit(context.Background(), "u1", "record", payload)
		require.NoError(t, err)
	}

	waitIdle(t, q)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`"a"`, `"b"`, `"c"`, `"d"`}, ran)
}

func TestUsersRunConcurrently(t *testing.T) {
	q := NewQueue(nil, nil, 4, 0)

	var mu sync.Mutex
	inFlight, peak := 0, 0
	q.Register("hold", func(context.Context, relational.TaskRow) error {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	})

	for _, user := range []string{"u1", "u2", "u3"} {
		_, err := q.Submit(context.Background(), user, "hold", nil)
		require.NoError(t, err)
	}
	waitIdle(t, q)

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, peak, 1, "tasks for distinct users should overlap")
}

func TestRetryableFailureRequeues(t *testing.T) {
	store := newFakeTaskStore()
	q := NewQueue(store, nil, 2, 2)

	var mu sync.Mutex
	attempts := 0
	q.Register("flaky", func(context.Context, relational.TaskRow) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return types.Kindf(types.ErrLLMCallFailed, "transient")
		}
		return nil
	})

	id, err := q.Submit(context.Background(), "u1", "flaky", nil)
	require.NoError(t, err)
	waitIdle(t, q)

	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()
	assert.Equal(t, relational.TaskDone, store.status(id))
	store.mu.Lock()
	assert.Equal(t, 2, store.retries[id])
	store.mu.Unlock()
}

func TestNonRetryableFailureMarksFailed(t *testing.T) {
	store := newFakeTaskStore()
	q := NewQueue(store, nil, 2, 5)

	q.Register("broken", func(context.Context, relational.TaskRow) error {
		return types.Kindf(types.ErrInvalidInput, "bad payload")
	})

	id, err := q.Submit(context.Background(), "u1", "broken", nil)
	require.NoError(t, err)
	waitIdle(t, q)

	assert.Equal(t, relational.TaskFailed, store.status(id))
}

func TestRecoverReenqueuesPending(t *testing.T) {
	store := newFakeTaskStore()
	store.pending = []relational.TaskRow{
		{ID: "t1", EndUserID: "u1", Kind: "noop", Status: relational.TaskPending},
		{ID: "t2", EndUserID: "u1", Kind: "noop", Status: relational.TaskPending},
	}
	q := NewQueue(store, nil, 2, 0)

	var mu sync.Mutex
	ran := []string{}
	q.Register("noop", func(_ context.Context, task relational.TaskRow) error {
		mu.Lock()
		defer mu.Unlock()
		ran = append(ran, task.ID)
		return nil
	})

	n, err := q.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	waitIdle(t, q)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"t1", "t2"}, ran)
}

func TestRecoverSkipsUnregisteredKinds(t *testing.T) {
	store := newFakeTaskStore()
	store.pending = []relational.TaskRow{
		{ID: "t1", EndUserID: "u1", Kind: "retired", Status: relational.TaskPending},
		{ID: "t2", EndUserID: "u1", Kind: "noop", Status: relational.TaskPending},
	}
	q := NewQueue(store, nil, 2, 0)

	var mu sync.Mutex
	ran := []string{}
	q.Register("noop", func(_ context.Context, task relational.TaskRow) error {
		mu.Lock()
		defer mu.Unlock()
		ran = append(ran, task.ID)
		return nil
	})

	n, err := q.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	waitIdle(t, q)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"t2"}, ran)
	// The orphaned row stays pending for a later deployment that knows it.
	assert.Zero(t, store.status("t1"))
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	q := NewQueue(nil, nil, 2, 0)

	done := make(chan struct{})
	q.Register("slow", func(context.Context, relational.TaskRow) error {
		time.Sleep(50 * time.Millisecond)
		close(done)
		return nil
	})
	_, err := q.Submit(context.Background(), "u1", "slow", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Shutdown(ctx))

	select {
	case <-done:
	default:
		t.Fatal("shutdown returned before the in-flight task finished")
	}
}
