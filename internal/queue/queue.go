// internal/queue/queue.go
package queue

import (
	"context"
	"sync"
	"time"
)

// TaskKind identifies what a queued task asks the dispatcher to do.
type TaskKind string

const (
	TaskCheckAlert   TaskKind = "check_alert"
	TaskOutageAlert  TaskKind = "outage_alert"
	TaskRecovery     TaskKind = "recovery_alert"
	TaskRemoteCancel TaskKind = "remote_cancel"
)

// Task is one unit of asynchronous work. CheckID, AgentID and OutageID
// are set depending on the kind.
type Task struct {
	Kind     TaskKind  `json:"kind"`
	CheckID  string    `json:"check_id,omitempty"`
	AgentID  string    `json:"agent_id,omitempty"`
	OutageID string    `json:"outage_id,omitempty"`
	TaskRef  string    `json:"task_ref,omitempty"`
	Enqueued time.Time `json:"enqueued"`
}

// Queue is a FIFO task queue. Pop blocks until a task arrives, the
// timeout elapses (nil, nil) or the context is done.
type Queue interface {
	Push(ctx context.Context, task *Task) error
	Pop(ctx context.Context, timeout time.Duration) (*Task, error)
	Len(ctx context.Context) (int64, error)
	Close() error
}

// MemoryQueue is the in-process default, suitable for single-node
// deployments and tests.
type MemoryQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []*Task
	closed bool
}

func NewMemoryQueue() *MemoryQueue {
	q := &MemoryQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *MemoryQueue) Push(ctx context.Context, task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.tasks = append(q.tasks, task)
	q.cond.Signal()
	return nil
}

func (q *MemoryQueue) Pop(ctx context.Context, timeout time.Duration) (*Task, error) {
	deadline := time.Now().Add(timeout)

	// Wake waiters periodically so timeout and context cancellation are
	// observed even when nothing is pushed.
	wakeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-wakeCtx.Done():
				return
			case <-ticker.C:
				q.cond.Broadcast()
			}
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return nil, ErrQueueClosed
		}
		if len(q.tasks) > 0 {
			task := q.tasks[0]
			q.tasks = q.tasks[1:]
			return task, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		q.cond.Wait()
	}
}

func (q *MemoryQueue) Len(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.tasks)), nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
	return nil
}
