package taskwire

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore is a simple in-memory storage backend. It is used in tests
// and single-process setups; it provides no durability.
type InMemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
	queue []string
	wake  chan struct{}
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		tasks: make(map[string]*Task),
		queue: make([]string, 0),
		wake:  make(chan struct{}, 1),
	}
}

func (s *InMemoryStore) CreateOrUpdate(ctx context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, found := s.tasks[id]
	if !found {
		return nil, nil
	}
	return task.Clone(), nil
}

func (s *InMemoryStore) Filter(ctx context.Context, f Filter) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matches := make([]*Task, 0)
	for _, task := range s.tasks {
		if f.Match(task) {
			matches = append(matches, task.Clone())
		}
	}
	return matches, nil
}

func (s *InMemoryStore) Delete(ctx context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for _, id := range ids {
		if _, found := s.tasks[id]; found {
			delete(s.tasks, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *InMemoryStore) QueuePushBack(ctx context.Context, id string) error {
	s.mu.Lock()
	s.queue = append(s.queue, id)
	s.mu.Unlock()
	s.signal()
	return nil
}

func (s *InMemoryStore) QueueBlockingPopFront(ctx context.Context, timeout time.Duration) (string, error) {
	if id, ok := s.tryPop(); ok {
		return id, nil
	}
	if timeout <= 0 {
		// Poll once, do not block.
		return "", nil
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-s.wake:
			if id, ok := s.tryPop(); ok {
				return id, nil
			}
		case <-deadline.C:
			return "", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (s *InMemoryStore) QueueLen(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue), nil
}

// tryPop removes and returns the first queued id. When more ids remain it
// re-arms the wake signal so concurrent poppers are not left sleeping on a
// non-empty queue.
func (s *InMemoryStore) tryPop() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return "", false
	}
	id := s.queue[0]
	s.queue = s.queue[1:]
	if len(s.queue) > 0 {
		s.signal()
	}
	return id, true
}

func (s *InMemoryStore) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
