// Package workqueue implements the bounded FIFO queue (spec §4.C) that sits
// between the admission filter and the readiness-gate/launcher workers.
package workqueue

import "github.com/filebridge/engine/internal/core"

// Capacity is the fixed queue depth mandated by spec §4.C.
const Capacity = 1000

// Queue is a bounded, in-memory FIFO of admitted FileEvents. It is
// explicitly not durable across restarts: a crash loses queued-but-not-dispatched
// events, which is acceptable because the watcher rediscovers the file on
// its next rescan.
type Queue struct {
	ch chan core.FileEvent
}

// New returns an empty Queue at the spec-mandated capacity.
func New() *Queue {
	return &Queue{ch: make(chan core.FileEvent, Capacity)}
}

// TryEnqueue attempts to add evt to the queue without blocking. It returns
// false if the queue is at capacity.
func (q *Queue) TryEnqueue(evt core.FileEvent) bool {
	select {
	case q.ch <- evt:
		return true
	default:
		return false
	}
}

// Dequeue returns the channel workers range over to receive queued events.
// It is closed by Close.
func (q *Queue) Dequeue() <-chan core.FileEvent {
	return q.ch
}

// Len returns the number of events currently queued.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel, causing worker ranges over Dequeue
// to drain any remaining events and then exit.
func (q *Queue) Close() {
	close(q.ch)
}
