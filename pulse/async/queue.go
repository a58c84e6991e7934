package async

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/teranos/reportd/errors"
)

// ErrQueueClosed is returned by Pop once the queue has been closed and drained
var ErrQueueClosed = errors.New("queue closed")

// QueueStats is a snapshot of queue occupancy
type QueueStats struct {
	Ready   int `json:"ready"`   // Waiting for a worker
	Delayed int `json:"delayed"` // Timers armed for a future push
	Running int `json:"running"` // Handed to a worker and not yet done
}

// Queue is a FIFO of ready tasks plus timers for delayed ones. Cron fires,
// manual triggers and retry resumptions all merge into the same FIFO.
type Queue struct {
	mu      sync.Mutex
	ready   *list.List
	keys    map[string]bool // queued or running
	active  map[string]bool // running
	rerun   map[string]Task // pushed by PushAt while running
	timers  map[string]*time.Timer
	running int
	closed  bool
	notify  chan struct{}
}

// NewQueue creates an empty queue
func NewQueue() *Queue {
	return &Queue{
		ready:  list.New(),
		keys:   make(map[string]bool),
		active: make(map[string]bool),
		rerun:  make(map[string]Task),
		timers: make(map[string]*time.Timer),
		notify: make(chan struct{}, 1),
	}
}

// Push appends a task to the ready FIFO. It returns false when a task with
// the same key is already queued or running, or the queue is closed.
func (q *Queue) Push(t Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushLocked(t)
}

func (q *Queue) pushLocked(t Task) bool {
	if q.closed || q.keys[t.Key] {
		return false
	}
	q.keys[t.Key] = true
	q.ready.PushBack(t)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// deferLocked pushes t, or holds it until Done if its key is running. A
// task may schedule its own follow-up this way.
func (q *Queue) deferLocked(t Task) {
	if q.closed {
		return
	}
	if q.active[t.Key] {
		q.rerun[t.Key] = t
		return
	}
	q.pushLocked(t)
}

// PushAt arms a timer that pushes t at the given time. A time in the past
// pushes immediately. Re-arming the same key replaces the earlier timer.
// Unlike Push, a key that is running when the time comes is pushed again
// as soon as its run is done.
func (q *Queue) PushAt(t Task, at time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	delay := time.Until(at)
	if delay <= 0 {
		q.deferLocked(t)
		return
	}
	if old, ok := q.timers[t.Key]; ok {
		old.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if q.timers[t.Key] == timer {
			delete(q.timers, t.Key)
		}
		q.deferLocked(t)
	})
	q.timers[t.Key] = timer
}

// Pop blocks until a task is ready, ctx is done, or the queue is closed.
// The task's key stays reserved until Done is called for it.
func (q *Queue) Pop(ctx context.Context) (Task, error) {
	for {
		q.mu.Lock()
		if front := q.ready.Front(); front != nil {
			t := q.ready.Remove(front).(Task)
			q.active[t.Key] = true
			q.running++
			if q.ready.Len() > 0 {
				// Wake the next waiting worker
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			q.mu.Unlock()
			return t, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Task{}, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-q.notify:
		}
	}
}

// Done releases the key of a popped task
func (q *Queue) Done(t Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.keys, t.Key)
	delete(q.active, t.Key)
	if q.running > 0 {
		q.running--
	}
	if next, ok := q.rerun[t.Key]; ok {
		delete(q.rerun, t.Key)
		q.pushLocked(next)
	}
}

// Has reports whether a task with key is queued or running
func (q *Queue) Has(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.keys[key]
}

// Stats returns current occupancy
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{Ready: q.ready.Len(), Delayed: len(q.timers), Running: q.running}
}

// Close stops accepting tasks and cancels pending timers. Tasks already in
// the FIFO are dropped; their durable state is picked up by recovery.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for key, timer := range q.timers {
		timer.Stop()
		delete(q.timers, key)
	}
	for e := q.ready.Front(); e != nil; e = e.Next() {
		delete(q.keys, e.Value.(Task).Key)
	}
	q.ready.Init()
	for key := range q.rerun {
		delete(q.rerun, key)
	}
	close(q.notify)
}
