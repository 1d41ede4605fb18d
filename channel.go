package taskwire

import "context"

// CompletionChannel wraps a pub/sub topic used to announce task completion
// across processes. Delivery is at-most-once per subscriber and may be
// duplicated or delayed arbitrarily: a message is only a wakeup hint, never
// authoritative completion data. Subscribers re-derive truth from the store.
type CompletionChannel interface {
	// Publish sends a task id on the completion topic. Fire-and-forget.
	Publish(ctx context.Context, taskID string) error

	// Subscribe registers a handler invoked for every message on the
	// topic until the subscription is cancelled.
	Subscribe(handler func(taskID string)) (Subscription, error)
}

// Subscription is an active completion-channel subscription.
type Subscription interface {
	// Unsubscribe cancels the subscription.
	Unsubscribe() error
}

// completionTopic is the name of the pub/sub topic announcing terminal
// tasks. Implementations prefix it with their namespace.
const completionTopic = "task_done"
