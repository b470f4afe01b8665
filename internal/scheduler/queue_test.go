package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestTaskQueue_FIFO(t *testing.T) {
	q := NewTaskQueue()
	q.Push(Task{GameID: 1}, Task{GameID: 2})
	q.Push(Task{GameID: 3})

	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3", q.Len())
	}
	for want := int64(1); want <= 3; want++ {
		task, err := q.Pop(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if task.GameID != want {
			t.Errorf("Pop = %d, want %d", task.GameID, want)
		}
	}
}

func TestTaskQueue_PopBlocksUntilPush(t *testing.T) {
	q := NewTaskQueue()
	got := make(chan Task, 1)
	go func() {
		task, err := q.Pop(context.Background())
		if err == nil {
			got <- task
		}
	}()

	select {
	case <-got:
		t.Fatal("Pop returned from an empty queue")
	case <-time.After(20 * time.Millisecond):
	}

	q.Push(Task{GameID: 9})
	select {
	case task := <-got:
		if task.GameID != 9 {
			t.Errorf("GameID = %d, want 9", task.GameID)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake up")
	}
}

func TestTaskQueue_WakesEveryWaiter(t *testing.T) {
	q := NewTaskQueue()
	const waiters = 5

	var wg sync.WaitGroup
	results := make(chan int64, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if task, err := q.Pop(ctx); err == nil {
				results <- task.GameID
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	tasks := make([]Task, waiters)
	for i := range tasks {
		tasks[i] = Task{GameID: int64(i + 1)}
	}
	q.Push(tasks...)
	wg.Wait()
	close(results)

	if n := len(results); n != waiters {
		t.Errorf("%d waiters got a task, want %d", n, waiters)
	}
}

func TestTaskQueue_ContextAndClose(t *testing.T) {
	q := NewTaskQueue()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Pop error = %v, want deadline exceeded", err)
	}

	q.Push(Task{GameID: 1})
	q.Close()
	if task, err := q.Pop(context.Background()); err != nil || task.GameID != 1 {
		t.Errorf("queued task after Close = %v, %v", task, err)
	}
	if _, err := q.Pop(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Pop on closed queue error = %v, want ErrQueueClosed", err)
	}
	if err := q.Push(Task{GameID: 2}); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Push on closed queue error = %v, want ErrQueueClosed", err)
	}
}
