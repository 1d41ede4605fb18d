// Package taskwire is a distributed task-queue backend: it owns task state,
// the ready-queue that hands task ids to workers, and the notification
// mechanism that lets waiters learn of completion without polling. It does
// not execute tasks; workers are external collaborators.
//
// Applications using taskwire first create a Backend, configured with a
// Store and a CompletionChannel. The default store is Redis: task records
// live as JSON documents, and the ready-queue is a Redis list popped with
// BLPOP so that an id is handed to exactly one worker. The completion
// channel wraps a pub/sub topic (Redis pub/sub or NATS) on which the id of
// every task reaching a terminal state is published.
//
// Producers enqueue work with NewTask or Enqueue. Workers claim ids with
// Dequeue, run the opaque payload, and report progress and outcome with
// Save. Observers call WaitFor (or Dequeue with WaitForCompletion) to
// suspend until a specific task is done.
//
// A task moves forward through QUEUED and STARTED into exactly one of the
// terminal states SUCCESS, FAILURE or REVOKED. Terminal states are
// immutable; attempting to change one fails with ErrInvalidTransition so
// that double-completion bugs surface in the caller instead of being
// swallowed.
//
// Several backends in different processes coordinate only through the
// shared store and the completion topic. The store is the single source of
// truth: a completion message is a wakeup hint that makes the receiving
// backend re-read the record, never a delivery of completion data. Waiters
// therefore survive duplicated, delayed or lost messages; a lost message
// only costs latency up to the waiter's own timeout.
package taskwire
