package wsclient

import (
	"context"
	"sync"
	"time"
)

// taskSet tracks background goroutines spawned on behalf of a client so they
// can be cancelled and awaited together on disconnect. Entries remove
// themselves on completion.
type taskSet struct {
	mu    sync.Mutex
	next  int
	tasks map[int]*task
}

type task struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

func newTaskSet() *taskSet {
	return &taskSet{tasks: make(map[int]*task)}
}

// Go runs fn in a tracked goroutine. The context handed to fn is cancelled
// when the set shuts down or when parent is cancelled.
func (s *taskSet) Go(parent context.Context, name string, fn func(context.Context)) {
	ctx, cancel := context.WithCancel(parent)
	t := &task{name: name, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	id := s.next
	s.next++
	s.tasks[id] = t
	s.mu.Unlock()

	go func() {
		defer func() {
			close(t.done)
			cancel()
			s.mu.Lock()
			delete(s.tasks, id)
			s.mu.Unlock()
		}()
		fn(ctx)
	}()
}

// Len returns the number of tasks still running.
func (s *taskSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Shutdown cancels every tracked task and waits up to ceiling for them to
// finish. It returns the names of tasks that did not stop in time; those are
// abandoned to the runtime.
func (s *taskSet) Shutdown(ceiling time.Duration) []string {
	s.mu.Lock()
	pending := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		pending = append(pending, t)
	}
	s.mu.Unlock()

	for _, t := range pending {
		t.cancel()
	}

	deadline := time.NewTimer(ceiling)
	defer deadline.Stop()

	var abandoned []string
	expired := false
	for _, t := range pending {
		if expired {
			select {
			case <-t.done:
			default:
				abandoned = append(abandoned, t.name)
			}
			continue
		}
		select {
		case <-t.done:
		case <-deadline.C:
			expired = true
			select {
			case <-t.done:
			default:
				abandoned = append(abandoned, t.name)
			}
		}
	}
	return abandoned
}
