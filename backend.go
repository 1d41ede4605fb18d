package taskwire

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Backend owns task state, the ready-queue handing task ids to workers, and
// the completion-waiter registry bridged to the completion channel. It does
// not execute tasks.
//
// A Backend is safe for concurrent use. Multiple backends in different
// processes coordinate only through the shared store and the completion
// channel; the store is the single source of truth and the channel is a
// wakeup hint to avoid polling.
type Backend struct {
	mu      sync.Mutex
	started bool
	st      Store
	ch      CompletionChannel
	logger  Logger
	now     func() time.Time
	watched *waiters
	sub     Subscription
}

// BackendOption is an options provider to be used when creating a
// new backend.
type BackendOption func(*Backend)

// New creates a new backend.
//
// Configure the backend with Set methods.
// Example:
//
//	b := taskwire.New(taskwire.SetStore(...), taskwire.SetChannel(...))
//
// The defaults (in-memory store and channel) are suitable for tests and
// single-process use only.
func New(options ...BackendOption) *Backend {
	b := &Backend{
		st:      NewInMemoryStore(),
		ch:      NewInMemoryChannel(),
		logger:  newDefaultLogger(),
		now:     time.Now,
		watched: newWaiters(),
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// SetStore specifies the data store holding task records and the
// ready-queue. The default is an in-memory store.
func SetStore(store Store) BackendOption {
	return func(b *Backend) {
		b.st = store
	}
}

// SetChannel specifies the completion channel used for cross-process
// wakeup. The default is an in-memory channel.
func SetChannel(ch CompletionChannel) BackendOption {
	return func(b *Backend) {
		b.ch = ch
	}
}

// SetLogger specifies the logger to use when reporting.
func SetLogger(logger Logger) BackendOption {
	return func(b *Backend) {
		b.logger = logger
	}
}

// SetClock specifies the time source. Used in tests.
func SetClock(now func() time.Time) BackendOption {
	return func(b *Backend) {
		b.now = now
	}
}

// Start subscribes the backend to the completion channel so that local
// waiters are woken when other processes complete tasks. Use Close to stop.
func (b *Backend) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}
	sub, err := b.ch.Subscribe(b.onCompletionMessage)
	if err != nil {
		return err
	}
	b.sub = sub
	b.started = true
	return nil
}

// Close cancels the completion-channel subscription. Pending waiters are
// not failed; they keep their own timeouts.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return nil
	}
	b.started = false
	return b.sub.Unsubscribe()
}

// NumTasks returns the size of the ready-queue. This counts ids awaiting a
// worker, not the total number of task records.
func (b *Backend) NumTasks(ctx context.Context) (int, error) {
	return b.st.QueueLen(ctx)
}

// NewTask creates a fresh task record with a generated id, persists it in
// state Queued and pushes it onto the ready-queue.
func (b *Backend) NewTask(ctx context.Context, name string, args, kwargs json.RawMessage) (*Task, error) {
	task := &Task{
		ID:           uuid.NewString(),
		Name:         name,
		Status:       Queued,
		Args:         args,
		Kwargs:       kwargs,
		TimeExecuted: b.now().UTC(),
	}
	if err := b.st.CreateOrUpdate(ctx, task); err != nil {
		return nil, err
	}
	if err := b.st.QueuePushBack(ctx, task.ID); err != nil {
		return nil, err
	}
	return task, nil
}

// Enqueue marks the existing task as Queued and pushes its id onto the
// ready-queue. Enqueueing an unknown id is not an error, it is simply
// ineffective: Enqueue returns "" and does nothing.
func (b *Backend) Enqueue(ctx context.Context, taskID string) (string, error) {
	task, err := b.st.Get(ctx, taskID)
	if err != nil {
		return "", err
	}
	if task == nil {
		// Nothing to enqueue.
		return "", nil
	}
	if err := checkTransition(task.Status, Queued); err != nil {
		return "", err
	}
	task.Status = Queued
	if err := b.st.CreateOrUpdate(ctx, task); err != nil {
		return "", err
	}
	if err := b.st.QueuePushBack(ctx, task.ID); err != nil {
		return "", err
	}
	return task.ID, nil
}

// DequeueOptions control a single Dequeue call.
type DequeueOptions struct {
	// TaskID skips the ready-queue and loads that record directly.
	TaskID string

	// Timeout bounds the blocking pop from the ready-queue. Zero polls
	// once without blocking. Ignored when TaskID is set.
	Timeout time.Duration

	// WaitForCompletion suspends the call until the task reaches a
	// terminal state instead of returning it as claimed.
	WaitForCompletion bool

	// WaitTimeout bounds the completion wait. Zero means no bound. This
	// is a separate bound from Timeout, which covers only the pop.
	WaitTimeout time.Duration
}

// Dequeue claims the next task from the ready-queue, or loads a specific
// record when opts.TaskID is set. It returns nil when the pop timed out or
// when the popped id no longer has a record; both are normal outcomes, not
// errors. With WaitForCompletion the call suspends until the task is done.
func (b *Backend) Dequeue(ctx context.Context, opts DequeueOptions) (*Task, error) {
	id := opts.TaskID
	if id == "" {
		var err error
		id, err = b.st.QueueBlockingPopFront(ctx, opts.Timeout)
		if err != nil {
			return nil, err
		}
		if id == "" {
			// Timed out waiting for work.
			return nil, nil
		}
	}
	task, err := b.st.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		// The record was deleted between push and pop. A valid race.
		return nil, nil
	}
	if opts.WaitForCompletion {
		return b.waitDone(ctx, task, opts.WaitTimeout)
	}
	return task, nil
}

// ListTasks returns all task records matching the filter. Ordering follows
// the store's own and is not guaranteed.
func (b *Backend) ListTasks(ctx context.Context, f Filter) ([]*Task, error) {
	return b.st.Filter(ctx, f)
}

// Save updates the task record with the given fields, creating a fresh
// record when the id is unknown. Recognized fields are set directly;
// anything else is merged into Meta. Changing the status of a terminal
// record fails with ErrInvalidTransition.
//
// When the resulting status is terminal, local waiters are resolved and the
// id is published on the completion channel after the store write commits,
// so a process woken by the message re-reads the terminal record.
func (b *Backend) Save(ctx context.Context, taskID string, fields Fields) (string, error) {
	task, err := b.st.Get(ctx, taskID)
	if err != nil {
		return "", err
	}
	if task == nil {
		task = &Task{
			ID:           taskID,
			Status:       Queued,
			TimeExecuted: b.now().UTC(),
		}
	}
	if err := task.apply(fields); err != nil {
		return "", err
	}
	if err := b.st.CreateOrUpdate(ctx, task); err != nil {
		return "", err
	}
	if task.Done() {
		b.watched.resolve(task)
		if err := b.ch.Publish(ctx, task.ID); err != nil {
			// The store already holds the terminal state; remote
			// waiters fall back to their own timeouts.
			b.logger.Printf("taskwire: publish completion of %s: %v", task.ID, err)
		}
	}
	return task.ID, nil
}

// Delete removes the records for the given ids and returns the number
// actually removed. Local waiters pending on a removed id are force-resolved
// with the last known record so they are not left hanging.
func (b *Backend) Delete(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tasks, err := b.st.Filter(ctx, Filter{IDs: ids})
	if err != nil {
		return 0, err
	}
	deleted, err := b.st.Delete(ctx, ids)
	if err != nil {
		return deleted, err
	}
	for _, task := range tasks {
		b.watched.resolve(task)
	}
	return deleted, nil
}

// WaitFor suspends until the task reaches a terminal state and returns its
// terminal form. If the task is already terminal it returns immediately. A
// timeout of zero waits indefinitely (bounded only by ctx). On expiry the
// handle is deregistered and ErrWaitTimeout is returned; an unknown id
// returns ErrNotFound.
//
// If the record is deleted while waiting, the wait is released with the
// last known (possibly non-terminal) record.
func (b *Backend) WaitFor(ctx context.Context, taskID string, timeout time.Duration) (*Task, error) {
	task, err := b.st.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrNotFound
	}
	return b.waitDone(ctx, task, timeout)
}

// waitDone registers with the waiter registry and suspends until the task is
// resolved. Registration happens before the re-read of the store, so a
// resolve racing with the registration either leaves the terminal record for
// the re-read or includes this handle in its waiter set. Never neither.
func (b *Backend) waitDone(ctx context.Context, task *Task, timeout time.Duration) (*Task, error) {
	if task.Done() {
		return task, nil
	}
	ch := b.watched.register(task.ID)

	cur, err := b.st.Get(ctx, task.ID)
	if err != nil {
		b.watched.deregister(task.ID, ch)
		return nil, err
	}
	if cur == nil {
		b.watched.deregister(task.ID, ch)
		return nil, ErrNotFound
	}
	if cur.Done() {
		b.watched.deregister(task.ID, ch)
		return cur, nil
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case done := <-ch:
		return done, nil
	case <-expired:
		b.watched.deregister(task.ID, ch)
		// A resolve may have fired between the timer and the
		// deregistration; prefer the result if it did.
		select {
		case done := <-ch:
			return done, nil
		default:
		}
		return nil, ErrWaitTimeout
	case <-ctx.Done():
		b.watched.deregister(task.ID, ch)
		return nil, ctx.Err()
	}
}

// onCompletionMessage handles a completion-channel message. The message is
// a hint only: the record is reloaded and waiters are resolved only when the
// store confirms the terminal state. Absent or non-terminal records (stale,
// duplicate or early messages) are dropped silently; the waiter stays
// registered for a later message or its own timeout. A message must never
// tear down the subscription, so failures are logged and swallowed.
func (b *Backend) onCompletionMessage(taskID string) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("taskwire: completion handler panic for %q: %v", taskID, r)
		}
	}()
	if taskID == "" {
		b.logger.Printf("taskwire: discarding completion message with empty id")
		return
	}
	task, err := b.st.Get(context.Background(), taskID)
	if err != nil {
		b.logger.Printf("taskwire: reload %s after completion message: %v", taskID, err)
		return
	}
	if task == nil || !task.Done() {
		return
	}
	b.watched.resolve(task)
}

// StatsSnapshot returns the number of task records per state plus the
// ready-queue size.
func (b *Backend) StatsSnapshot(ctx context.Context) (*Stats, error) {
	tasks, err := b.st.Filter(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	st := new(Stats)
	for _, task := range tasks {
		switch task.Status {
		case Queued:
			st.Queued++
		case Started:
			st.Started++
		case Success:
			st.Success++
		case Failure:
			st.Failure++
		case Revoked:
			st.Revoked++
		}
	}
	n, err := b.st.QueueLen(ctx)
	if err != nil {
		return nil, err
	}
	st.QueueLen = n
	return st, nil
}
