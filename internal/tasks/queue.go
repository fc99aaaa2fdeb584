// Package tasks is the asynchronous work dispatcher: durable task rows in
// the relational store, per-user FIFO ordering in memory, and a bounded
// worker pool across users.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"memsci/internal/logging"
	"memsci/internal/relational"
	"memsci/internal/types"
)

// Handler executes one task kind.
type Handler func(ctx context.Context, task relational.TaskRow) error

// taskStore is the durable slice of the relational store the queue needs.
// Nil disables durability; tasks then live only in memory.
type taskStore interface {
	InsertTask(ctx context.Context, t relational.TaskRow) error
	UpdateTaskStatus(ctx context.Context, id string, status relational.TaskStatus, lastError string) error
	IncrementTaskRetries(ctx context.Context, id, lastError string) error
	PendingTasks(ctx context.Context, limit int) ([]relational.TaskRow, error)
}

// Queue dispatches tasks with per-user FIFO ordering. Tasks for different
// users run concurrently up to the pool size; tasks for one user never
// overlap.
type Queue struct {
	store      taskStore
	locker     *RedisLocker
	handlers   map[string]Handler
	maxRetries int

	sem *semaphore.Weighted

	mu    sync.Mutex
	users map[string]*userQueue

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type userQueue struct {
	pending []relational.TaskRow
	running bool
}

// NewQueue creates a task Queue. store and locker may be nil.
func NewQueue(store taskStore, locker *RedisLocker, poolSize, maxRetries int) *Queue {
	if poolSize <= 0 {
		poolSize = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		store:      store,
		locker:     locker,
		handlers:   map[string]Handler{},
		maxRetries: maxRetries,
		sem:        semaphore.NewWeighted(int64(poolSize)),
		users:      map[string]*userQueue{},
		baseCtx:    ctx,
		cancel:     cancel,
	}
}

// Register binds a handler to a task kind. Must be called before Submit.
func (q *Queue) Register(kind string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// Submit records a task durably and enqueues it behind the user's earlier
// tasks. Returns the task id.
func (q *Queue) Submit(ctx context.Context, endUserID, kind string, payload interface{}) (string, error) {
	q.mu.Lock()
	_, known := q.handlers[kind]
	q.mu.Unlock()
	if !known {
		return "", types.Kindf(types.ErrInvalidInput, "no handler registered for task kind %q", kind)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal task payload: %w", err)
	}
	task := relational.TaskRow{
		ID:        uuid.NewString(),
		EndUserID: endUserID,
		Kind:      kind,
		Payload:   raw,
		Status:    relational.TaskPending,
		CreatedAt: time.Now(),
	}

	if q.store != nil {
		if err := q.store.InsertTask(ctx, task); err != nil {
			return "", err
		}
	}

	q.enqueue(task)
	logging.Tasks("Task submitted: id=%s user=%s kind=%s", task.ID, endUserID, kind)
	return task.ID, nil
}

// Recover re-enqueues pending tasks left behind by an earlier process.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	if q.store == nil {
		return 0, nil
	}
	pending, err := q.store.PendingTasks(ctx, 500)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, t := range pending {
		q.mu.Lock()
		_, known := q.handlers[t.Kind]
		q.mu.Unlock()
		if !known {
			// A row from an older deployment; leave it pending rather than
			// crash the drainer on a nil handler.
			logging.Get(logging.CategoryTasks).Warn("Skipping pending task %s: no handler for kind %q", t.ID, t.Kind)
			continue
		}
		q.enqueue(t)
		recovered++
	}
	if recovered > 0 {
		logging.Tasks("Recovered %d pending tasks", recovered)
	}
	return recovered, nil
}

// enqueue appends the task to its user's FIFO and starts the user drainer
// if idle.
func (q *Queue) enqueue(task relational.TaskRow) {
	q.mu.Lock()
	uq, ok := q.users[task.EndUserID]
	if !ok {
		uq = &userQueue{}
		q.users[task.EndUserID] = uq
	}
	uq.pending = append(uq.pending, task)
	starting := !uq.running
	if starting {
		uq.running = true
	}
	q.mu.Unlock()

	if starting {
		q.wg.Add(1)
		go q.drainUser(task.EndUserID)
	}
}

// drainUser runs one user's tasks strictly in order until the queue empties.
func (q *Queue) drainUser(endUserID string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		uq := q.users[endUserID]
		if len(uq.pending) == 0 {
			uq.running = false
			q.mu.Unlock()
			return
		}
		task := uq.pending[0]
		uq.pending = uq.pending[1:]
		q.mu.Unlock()

		q.runTask(task)
	}
}

// runTask executes one task under the global pool bound with the
// cross-instance user lock held.
func (q *Queue) runTask(task relational.TaskRow) {
	ctx := q.baseCtx
	if err := q.sem.Acquire(ctx, 1); err != nil {
		q.markFailed(task, fmt.Sprintf("queue shutting down: %v", err))
		return
	}
	defer q.sem.Release(1)

	lockKey := fmt.Sprintf("memsci:user:lock:%s", task.EndUserID)
	var release func()
	for {
		var ok bool
		release, ok = q.locker.Acquire(ctx, lockKey, 5*time.Minute)
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			q.markFailed(task, "queue shutting down")
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
	defer release()

	q.mu.Lock()
	handler := q.handlers[task.Kind]
	q.mu.Unlock()
	if handler == nil {
		q.markFailed(task, fmt.Sprintf("no handler registered for kind %q", task.Kind))
		return
	}

	q.updateStatus(task.ID, relational.TaskRunning, "")
	start := time.Now()
	err := handler(ctx, task)
	elapsed := time.Since(start)

	if err == nil {
		q.updateStatus(task.ID, relational.TaskDone, "")
		logging.Tasks("Task done: id=%s kind=%s elapsed=%s", task.ID, task.Kind, elapsed)
		return
	}

	if types.Retryable(err) && task.Retries < q.maxRetries {
		logging.Get(logging.CategoryTasks).Warn("Task %s failed (retry %d/%d): %v",
			task.ID, task.Retries+1, q.maxRetries, err)
		if q.store != nil {
			if rerr := q.store.IncrementTaskRetries(ctx, task.ID, err.Error()); rerr != nil {
				logging.Get(logging.CategoryTasks).Error("Retry bookkeeping failed for %s: %v", task.ID, rerr)
			}
		}
		task.Retries++
		q.enqueue(task)
		return
	}

	q.markFailed(task, err.Error())
	logging.Get(logging.CategoryTasks).Error("Task failed: id=%s kind=%s elapsed=%s err=%v",
		task.ID, task.Kind, elapsed, err)
}

func (q *Queue) markFailed(task relational.TaskRow, reason string) {
	q.updateStatus(task.ID, relational.TaskFailed, reason)
}

func (q *Queue) updateStatus(id string, status relational.TaskStatus, lastError string) {
	if q.store == nil {
		return
	}
	if err := q.store.UpdateTaskStatus(context.Background(), id, status, lastError); err != nil {
		logging.Get(logging.CategoryTasks).Error("Status update failed for %s: %v", id, err)
	}
}

// Shutdown stops accepting work and waits for in-flight tasks, bounded by
// the context.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.cancel()
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
