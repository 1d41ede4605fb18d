package taskwire

import "sync"

// waiters is the per-process registry of pending completion requests,
// keyed by task id. Each handle is a single-resolution channel; resolve
// pops all handles for an id and fulfills each exactly once. Waiters never
// cross process boundaries, only the pub/sub signal does.
type waiters struct {
	mu      sync.Mutex
	pending map[string][]chan *Task
}

func newWaiters() *waiters {
	return &waiters{
		pending: make(map[string][]chan *Task),
	}
}

// register adds a new pending handle for the task id. The caller must either
// receive from the returned channel or deregister it.
func (w *waiters) register(id string) chan *Task {
	ch := make(chan *Task, 1)
	w.mu.Lock()
	w.pending[id] = append(w.pending[id], ch)
	w.mu.Unlock()
	return ch
}

// deregister removes a handle that gave up (timeout, cancellation). Removing
// a handle that was already resolved is a no-op.
func (w *waiters) deregister(id string, ch chan *Task) {
	w.mu.Lock()
	defer w.mu.Unlock()
	handles := w.pending[id]
	for i, h := range handles {
		if h == ch {
			handles = append(handles[:i], handles[i+1:]...)
			break
		}
	}
	if len(handles) == 0 {
		delete(w.pending, id)
	} else {
		w.pending[id] = handles
	}
}

// resolve atomically pops all pending handles for the task's id and fulfills
// each with its own copy of the task. Resolving an id with no registered
// waiters is a harmless no-op, which makes duplicate completion messages
// idempotent.
func (w *waiters) resolve(task *Task) {
	w.mu.Lock()
	handles := w.pending[task.ID]
	delete(w.pending, task.ID)
	w.mu.Unlock()

	for _, ch := range handles {
		ch <- task.Clone()
	}
}

// count returns the number of pending handles for an id.
func (w *waiters) count(id string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending[id])
}
