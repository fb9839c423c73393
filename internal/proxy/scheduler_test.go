package proxy

import (
	"context"
	"errors"
	"testing"
	"time"
)

func waitQueued(t *testing.T, s *Scheduler, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, queued := s.Stats(); queued == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	_, queued := s.Stats()
	t.Fatalf("queued = %d, want %d", queued, want)
}

func TestSchedulerBoundsConcurrency(t *testing.T) {
	s := NewScheduler(2)

	rel1, err := s.Acquire(context.Background(), PriorityChat)
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	rel2, err := s.Acquire(context.Background(), PriorityChat)
	if err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}
	if active, queued := s.Stats(); active != 2 || queued != 0 {
		t.Fatalf("stats = (%d,%d), want (2,0)", active, queued)
	}

	granted := make(chan struct{})
	go func() {
		rel3, err := s.Acquire(context.Background(), PriorityChat)
		if err != nil {
			t.Errorf("Acquire 3: %v", err)
			close(granted)
			return
		}
		close(granted)
		rel3()
	}()

	waitQueued(t, s, 1)
	select {
	case <-granted:
		t.Fatalf("third acquire should block at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	rel1()
	select {
	case <-granted:
	case <-time.After(2 * time.Second):
		t.Fatalf("release should grant the queued waiter")
	}
	rel2()
}

func TestSchedulerGrantsByPriorityThenFIFO(t *testing.T) {
	s := NewScheduler(1)
	hold, err := s.Acquire(context.Background(), PrioritySystem)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	type entry struct {
		label    string
		priority int
	}
	// Deliberately enqueued out of priority order; chat-a before chat-b
	// checks FIFO within a priority.
	entries := []entry{
		{"chat-a", PriorityChat},
		{"pull", PriorityPull},
		{"system", PrioritySystem},
		{"chat-b", PriorityChat},
		{"generate", PriorityGenerate},
	}

	order := make(chan string, len(entries))
	for i, e := range entries {
		e := e
		go func() {
			release, err := s.Acquire(context.Background(), e.priority)
			if err != nil {
				t.Errorf("Acquire %s: %v", e.label, err)
				return
			}
			order <- e.label
			release()
		}()
		waitQueued(t, s, i+1)
	}

	hold()

	want := []string{"system", "generate", "chat-a", "chat-b", "pull"}
	for _, label := range want {
		select {
		case got := <-order:
			if got != label {
				t.Fatalf("grant order: got %q, want %q", got, label)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", label)
		}
	}
}

func TestSchedulerAcquireTimeout(t *testing.T) {
	s := NewScheduler(1)
	hold, err := s.Acquire(context.Background(), PriorityChat)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := s.Acquire(ctx, PriorityChat); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	// The expired waiter must not linger in the queue.
	if _, queued := s.Stats(); queued != 0 {
		t.Fatalf("queued = %d after timeout, want 0", queued)
	}

	hold()
	release, err := s.Acquire(context.Background(), PriorityChat)
	if err != nil {
		t.Fatalf("Acquire after timeout: %v", err)
	}
	release()
	if active, _ := s.Stats(); active != 0 {
		t.Fatalf("active = %d after release, want 0", active)
	}
}
