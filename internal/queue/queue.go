// Package queue provides the FIFO command queues that connect callers to a
// host stream.
package queue

import (
	"sync"

	"github.com/inferhub/inferhub/pkg/protocol"
)

// Queue is an unbounded multi-producer multi-consumer FIFO of commands.
//
// Consumers that need to wait for new items select on Changed, which is
// closed after every push. Blocking readers therefore never poll.
type Queue struct {
	mu      sync.Mutex
	items   []protocol.Command
	changed chan struct{}
	onPush  func()
}

// New creates an empty queue. onPush, if non-nil, runs after every push
// outside the queue's lock.
func New(onPush func()) *Queue {
	return &Queue{changed: make(chan struct{}), onPush: onPush}
}

// Push appends a command.
func (q *Queue) Push(cmd protocol.Command) {
	q.mu.Lock()
	q.items = append(q.items, cmd)
	close(q.changed)
	q.changed = make(chan struct{})
	q.mu.Unlock()

	if q.onPush != nil {
		q.onPush()
	}
}

// TryPop removes and returns the oldest command, if any.
func (q *Queue) TryPop() (protocol.Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return protocol.Command{}, false
	}
	cmd := q.items[0]
	q.items[0] = protocol.Command{}
	q.items = q.items[1:]
	return cmd, true
}

// TakeFirst removes and returns the oldest command for which match returns
// true. Commands that do not match keep their positions.
func (q *Queue) TakeFirst(match func(protocol.Command) bool) (protocol.Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, cmd := range q.items {
		if match(cmd) {
			q.items = append(q.items[:i:i], q.items[i+1:]...)
			return cmd, true
		}
	}
	return protocol.Command{}, false
}

// RemoveAll drops every command for which match returns true and reports
// how many were dropped.
func (q *Queue) RemoveAll(match func(protocol.Command) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	for _, cmd := range q.items {
		if !match(cmd) {
			kept = append(kept, cmd)
		}
	}
	n := len(q.items) - len(kept)
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = protocol.Command{}
	}
	q.items = kept
	return n
}

// Len returns the number of queued commands.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Changed returns a channel that is closed the next time a command is
// pushed. Fetch it before inspecting the queue to avoid missing a push.
func (q *Queue) Changed() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.changed
}
