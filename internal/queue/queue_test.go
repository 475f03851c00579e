// internal/queue/queue_test.go
package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryQueueFIFO(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	ctx := context.Background()

	for _, id := range []string{"c1", "c2", "c3"} {
		if err := q.Push(ctx, &Task{Kind: TaskCheckAlert, CheckID: id}); err != nil {
			t.Fatal(err)
		}
	}

	if n, _ := q.Len(ctx); n != 3 {
		t.Errorf("Len = %d, want 3", n)
	}

	for _, want := range []string{"c1", "c2", "c3"} {
		task, err := q.Pop(ctx, time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if task == nil || task.CheckID != want {
			t.Errorf("Pop returned %v, want check %s", task, want)
		}
	}
}

func TestMemoryQueuePopTimeout(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()

	start := time.Now()
	task, err := q.Pop(context.Background(), 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if task != nil {
		t.Errorf("expected nil task on timeout, got %v", task)
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Error("Pop returned before the timeout elapsed")
	}
}

func TestMemoryQueuePopWakesOnPush(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	ctx := context.Background()

	done := make(chan *Task, 1)
	go func() {
		task, _ := q.Pop(ctx, 5*time.Second)
		done <- task
	}()

	time.Sleep(20 * time.Millisecond)
	if err := q.Push(ctx, &Task{Kind: TaskRecovery, AgentID: "a1"}); err != nil {
		t.Fatal(err)
	}

	select {
	case task := <-done:
		if task == nil || task.AgentID != "a1" {
			t.Errorf("got %v", task)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not wake on push")
	}
}

func TestMemoryQueueClosedPop(t *testing.T) {
	q := NewMemoryQueue()
	q.Close()

	if _, err := q.Pop(context.Background(), time.Second); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed, got %v", err)
	}
	if err := q.Push(context.Background(), &Task{}); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed on push, got %v", err)
	}
}

func TestMemoryQueuePopHonoursContext(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := q.Pop(ctx, 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
