package taskwire

import (
	"context"
	"time"
)

// Store is the adapter contract for the external key-value store. It
// translates backend calls into store operations and performs no business
// logic; transport failures are surfaced wrapped in ErrStoreUnavailable.
type Store interface {
	// CreateOrUpdate upserts a task record by id.
	CreateOrUpdate(ctx context.Context, task *Task) error

	// Get returns the task record for id, or nil if absent.
	Get(ctx context.Context, id string) (*Task, error)

	// Filter returns all task records matching f.
	// No ordering is guaranteed.
	Filter(ctx context.Context, f Filter) ([]*Task, error)

	// Delete removes the records for the given ids and returns the number
	// actually removed, which may be less than requested.
	Delete(ctx context.Context, ids []string) (int, error)

	// QueuePushBack appends a task id to the ready-queue.
	QueuePushBack(ctx context.Context, id string) error

	// QueueBlockingPopFront pops the first id from the ready-queue,
	// blocking up to timeout. A timeout of zero or less polls once without
	// blocking. Returns "" when no id was available in time.
	QueueBlockingPopFront(ctx context.Context, timeout time.Duration) (string, error)

	// QueueLen returns the current size of the ready-queue.
	QueueLen(ctx context.Context) (int, error)
}

// Filter selects task records. Zero-valued criteria are ignored; the
// remaining ones must all match.
type Filter struct {
	IDs      []string
	Name     string
	Statuses []State
}

// Match reports whether the task satisfies all non-zero criteria.
func (f Filter) Match(t *Task) bool {
	if len(f.IDs) > 0 {
		found := false
		for _, id := range f.IDs {
			if id == t.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Name != "" && f.Name != t.Name {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if s == t.Status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Stats is a snapshot of the number of task records per state plus the
// current ready-queue size.
type Stats struct {
	Queued   int `json:"queued"`
	Started  int `json:"started"`
	Success  int `json:"success"`
	Failure  int `json:"failure"`
	Revoked  int `json:"revoked"`
	QueueLen int `json:"queue_len"`
}
