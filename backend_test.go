package taskwire

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackendDefaults(t *testing.T) {
	b := New()
	require.NotNil(t, b.st)
	require.NotNil(t, b.ch)
	require.NotNil(t, b.logger)
	require.NoError(t, b.Start())
	require.NoError(t, b.Close())
	// Closing twice is fine.
	require.NoError(t, b.Close())
}

func TestBackendLifecycleScenario(t *testing.T) {
	// Producer enqueues, a worker claims and completes, an observer that
	// started waiting before completion sees the terminal record.
	ctx := context.Background()
	b := New()
	require.NoError(t, b.Start())
	defer b.Close()

	task, err := b.NewTask(ctx, "add", json.RawMessage(`[2,3]`), nil)
	require.NoError(t, err)
	require.NotEmpty(t, task.ID)
	assert.Equal(t, Queued, task.Status)
	assert.False(t, task.TimeExecuted.IsZero())

	n, err := b.NumTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Observer starts waiting before the worker finishes.
	type waitResult struct {
		task *Task
		err  error
	}
	waitc := make(chan waitResult, 1)
	go func() {
		done, err := b.WaitFor(ctx, task.ID, 5*time.Second)
		waitc <- waitResult{done, err}
	}()

	// Worker claims the task.
	claimed, err := b.Dequeue(ctx, DequeueOptions{Timeout: time.Second})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, task.ID, claimed.ID)
	assert.Equal(t, Queued, claimed.Status)

	t0 := time.Now().UTC()
	_, err = b.Save(ctx, task.ID, Fields{"status": Started, "time_started": t0})
	require.NoError(t, err)

	t1 := t0.Add(10 * time.Millisecond)
	_, err = b.Save(ctx, task.ID, Fields{
		"status":     Success,
		"result":     json.RawMessage(`5`),
		"time_ended": t1,
	})
	require.NoError(t, err)

	res := <-waitc
	require.NoError(t, res.err)
	assert.Equal(t, Success, res.task.Status)
	assert.Equal(t, `5`, string(res.task.Result))
	require.NotNil(t, res.task.TimeStarted)
	require.NotNil(t, res.task.TimeEnded)
	assert.False(t, res.task.TimeEnded.Before(*res.task.TimeStarted))

	// The queue is drained.
	n, err = b.NumTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBackendEnqueueUnknownIDIsNoop(t *testing.T) {
	ctx := context.Background()
	b := New()
	id, err := b.Enqueue(ctx, "never-created")
	require.NoError(t, err)
	assert.Equal(t, "", id)
	n, err := b.NumTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBackendEnqueueExisting(t *testing.T) {
	ctx := context.Background()
	b := New()
	_, err := b.Save(ctx, "t1", Fields{"name": "add"})
	require.NoError(t, err)

	id, err := b.Enqueue(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", id)

	n, err := b.NumTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	task, err := b.Dequeue(ctx, DequeueOptions{})
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "t1", task.ID)
	assert.Equal(t, Queued, task.Status)
}

func TestBackendEnqueueTerminalRejected(t *testing.T) {
	ctx := context.Background()
	b := New()
	_, err := b.Save(ctx, "t1", Fields{"status": Success})
	require.NoError(t, err)
	_, err = b.Enqueue(ctx, "t1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestBackendDequeueEmptyTimeout(t *testing.T) {
	ctx := context.Background()
	b := New()
	start := time.Now()
	task, err := b.Dequeue(ctx, DequeueOptions{Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	assert.Nil(t, task)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestBackendDequeueExplicitID(t *testing.T) {
	ctx := context.Background()
	b := New()
	_, err := b.Save(ctx, "t1", Fields{"name": "add", "status": Started})
	require.NoError(t, err)

	task, err := b.Dequeue(ctx, DequeueOptions{TaskID: "t1"})
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, Started, task.Status)

	// An explicit unknown id is absent, not an error.
	task, err = b.Dequeue(ctx, DequeueOptions{TaskID: "absent"})
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestBackendDequeueRecordDeletedAfterPush(t *testing.T) {
	ctx := context.Background()
	b := New()
	task, err := b.NewTask(ctx, "add", nil, nil)
	require.NoError(t, err)
	_, err = b.Delete(ctx, []string{task.ID})
	require.NoError(t, err)

	// The id is still queued but the record is gone. A valid race.
	got, err := b.Dequeue(ctx, DequeueOptions{})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBackendDequeueExclusive(t *testing.T) {
	ctx := context.Background()
	b := New()
	task, err := b.NewTask(ctx, "add", nil, nil)
	require.NoError(t, err)

	results := make(chan *Task, 2)
	for i := 0; i < 2; i++ {
		go func() {
			got, err := b.Dequeue(ctx, DequeueOptions{Timeout: 200 * time.Millisecond})
			assert.NoError(t, err)
			results <- got
		}()
	}
	var claimed []*Task
	for i := 0; i < 2; i++ {
		if got := <-results; got != nil {
			claimed = append(claimed, got)
		}
	}
	require.Len(t, claimed, 1, "an id must be handed to exactly one dequeuer")
	assert.Equal(t, task.ID, claimed[0].ID)
}

func TestBackendDequeueWaitForCompletion(t *testing.T) {
	ctx := context.Background()
	b := New()
	task, err := b.NewTask(ctx, "add", nil, nil)
	require.NoError(t, err)

	type result struct {
		task *Task
		err  error
	}
	resc := make(chan result, 1)
	go func() {
		got, err := b.Dequeue(ctx, DequeueOptions{
			Timeout:           time.Second,
			WaitForCompletion: true,
			WaitTimeout:       5 * time.Second,
		})
		resc <- result{got, err}
	}()

	// Give the dequeuer time to claim and register.
	time.Sleep(50 * time.Millisecond)
	_, err = b.Save(ctx, task.ID, Fields{"status": Failure, "result": json.RawMessage(`"boom"`)})
	require.NoError(t, err)

	res := <-resc
	require.NoError(t, res.err)
	require.NotNil(t, res.task)
	assert.Equal(t, Failure, res.task.Status)
	assert.Equal(t, `"boom"`, string(res.task.Result))
}

func TestBackendSaveCreatesOnUnknownID(t *testing.T) {
	ctx := context.Background()
	b := New(SetClock(func() time.Time {
		return time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC)
	}))
	id, err := b.Save(ctx, "fresh", Fields{"name": "x", "status": Queued})
	require.NoError(t, err)
	assert.Equal(t, "fresh", id)

	tasks, err := b.ListTasks(ctx, Filter{IDs: []string{"fresh"}})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "x", tasks[0].Name)
	assert.Equal(t, Queued, tasks[0].Status)
	assert.Equal(t, time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC), tasks[0].TimeExecuted)
}

func TestBackendSaveMergesUnknownFieldsIntoMeta(t *testing.T) {
	ctx := context.Background()
	b := New()
	_, err := b.Save(ctx, "t1", Fields{"name": "add", "attempt": 3})
	require.NoError(t, err)
	tasks, err := b.ListTasks(ctx, Filter{IDs: []string{"t1"}})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, 3, tasks[0].Meta["attempt"])
}

func TestBackendSaveTerminalTwiceRejected(t *testing.T) {
	ctx := context.Background()
	b := New()
	_, err := b.Save(ctx, "t1", Fields{"status": Success})
	require.NoError(t, err)
	_, err = b.Save(ctx, "t1", Fields{"status": Failure})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestBackendWaitForAlreadyTerminal(t *testing.T) {
	ctx := context.Background()
	b := New()
	_, err := b.Save(ctx, "t1", Fields{"status": Success, "result": json.RawMessage(`42`)})
	require.NoError(t, err)

	task, err := b.WaitFor(ctx, "t1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, Success, task.Status)
	assert.Equal(t, `42`, string(task.Result))
	// The fast path must not leave a registration behind.
	assert.Equal(t, 0, b.watched.count("t1"))
}

func TestBackendWaitForUnknownID(t *testing.T) {
	b := New()
	_, err := b.WaitFor(context.Background(), "absent", 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBackendWaitForTimeout(t *testing.T) {
	ctx := context.Background()
	b := New()
	_, err := b.Save(ctx, "t1", Fields{"status": Queued})
	require.NoError(t, err)

	_, err = b.WaitFor(ctx, "t1", 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrWaitTimeout)
	// The expired handle must be deregistered, not leaked.
	assert.Equal(t, 0, b.watched.count("t1"))
}

func TestBackendWaitForContextCancel(t *testing.T) {
	b := New()
	_, err := b.Save(context.Background(), "t1", Fields{"status": Queued})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err = b.WaitFor(ctx, "t1", 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, b.watched.count("t1"))
}

func TestBackendDeleteReleasesWaiters(t *testing.T) {
	ctx := context.Background()
	b := New()
	_, err := b.Save(ctx, "t1", Fields{"status": Queued})
	require.NoError(t, err)

	type result struct {
		task *Task
		err  error
	}
	resc := make(chan result, 1)
	go func() {
		got, err := b.WaitFor(ctx, "t1", 5*time.Second)
		resc <- result{got, err}
	}()
	require.Eventually(t, func() bool {
		return b.watched.count("t1") == 1
	}, time.Second, 10*time.Millisecond)

	n, err := b.Delete(ctx, []string{"t1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case res := <-resc:
		// Released with the last known record rather than hanging.
		require.NoError(t, res.err)
		assert.Equal(t, "t1", res.task.ID)
	case <-time.After(time.Second):
		t.Fatal("waiter still pending after delete")
	}
}

func TestBackendDeleteCount(t *testing.T) {
	ctx := context.Background()
	b := New()
	for _, id := range []string{"t1", "t2"} {
		_, err := b.Save(ctx, id, Fields{"status": Queued})
		require.NoError(t, err)
	}
	n, err := b.Delete(ctx, []string{"t1", "t2", "absent"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = b.Delete(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBackendCompletionMessageResolvesWaiters(t *testing.T) {
	// Two backends sharing a store and a channel: a save on one wakes a
	// waiter registered on the other.
	ctx := context.Background()
	st := NewInMemoryStore()
	ch := NewInMemoryChannel()
	b1 := New(SetStore(st), SetChannel(ch))
	b2 := New(SetStore(st), SetChannel(ch))
	require.NoError(t, b1.Start())
	require.NoError(t, b2.Start())
	defer b1.Close()
	defer b2.Close()

	_, err := b2.Save(ctx, "t1", Fields{"status": Queued})
	require.NoError(t, err)

	type result struct {
		task *Task
		err  error
	}
	resc := make(chan result, 1)
	go func() {
		got, err := b1.WaitFor(ctx, "t1", 5*time.Second)
		resc <- result{got, err}
	}()
	require.Eventually(t, func() bool {
		return b1.watched.count("t1") == 1
	}, time.Second, 10*time.Millisecond)

	_, err = b2.Save(ctx, "t1", Fields{"status": Success})
	require.NoError(t, err)

	select {
	case res := <-resc:
		require.NoError(t, res.err)
		assert.Equal(t, Success, res.task.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("cross-backend completion never arrived")
	}
}

func TestBackendCompletionMessageIdempotent(t *testing.T) {
	ctx := context.Background()
	b := New()
	_, err := b.Save(ctx, "t1", Fields{"status": Success})
	require.NoError(t, err)

	// Duplicate and triplicate messages must be harmless no-ops.
	b.onCompletionMessage("t1")
	b.onCompletionMessage("t1")
	b.onCompletionMessage("t1")
	assert.Equal(t, 0, b.watched.count("t1"))
}

func TestBackendCompletionMessageStale(t *testing.T) {
	ctx := context.Background()
	b := New()
	_, err := b.Save(ctx, "t1", Fields{"status": Queued})
	require.NoError(t, err)

	ch := b.watched.register("t1")
	// Messages for absent or non-terminal records are dropped; the
	// waiter stays registered.
	b.onCompletionMessage("t1")
	b.onCompletionMessage("absent")
	b.onCompletionMessage("")
	assert.Equal(t, 1, b.watched.count("t1"))
	select {
	case task := <-ch:
		t.Fatalf("waiter resolved by a stale message: %v", task)
	default:
	}
	b.watched.deregister("t1", ch)
}

func TestBackendStatsSnapshot(t *testing.T) {
	ctx := context.Background()
	b := New()
	_, err := b.NewTask(ctx, "add", nil, nil)
	require.NoError(t, err)
	_, err = b.Save(ctx, "s1", Fields{"status": Started})
	require.NoError(t, err)
	_, err = b.Save(ctx, "d1", Fields{"status": Success})
	require.NoError(t, err)
	_, err = b.Save(ctx, "d2", Fields{"status": Revoked})
	require.NoError(t, err)

	st, err := b.StatsSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Queued)
	assert.Equal(t, 1, st.Started)
	assert.Equal(t, 1, st.Success)
	assert.Equal(t, 0, st.Failure)
	assert.Equal(t, 1, st.Revoked)
	assert.Equal(t, 1, st.QueueLen)
}

func TestBackendListTasks(t *testing.T) {
	ctx := context.Background()
	b := New()
	_, err := b.Save(ctx, "t1", Fields{"name": "add", "status": Queued})
	require.NoError(t, err)
	_, err = b.Save(ctx, "t2", Fields{"name": "mul", "status": Success})
	require.NoError(t, err)

	tasks, err := b.ListTasks(ctx, Filter{Statuses: []State{Success}})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t2", tasks[0].ID)
}
