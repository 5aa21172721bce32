// Package ioq implements the bounded senblk queue sitting between
// the multiplexing engine and each output interface. Capacity is
// fixed at construction: every senblk lives either on the free list
// or the data list, and pushing into a full queue evicts the oldest
// entry rather than blocking the producer.
package ioq

import (
	"sync"

	"github.com/seamux/seamux/pkg/nmea"
)

// Elem is a pool slot holding one senblk.
type Elem struct {
	Blk  nmea.Senblk
	next *Elem
}

// Queue is a fixed-capacity FIFO of senblks with drop-oldest
// overflow. The active flag doubles as the shutdown signal: once
// cleared it is never set again.
type Queue struct {
	mu    sync.Mutex
	fresh *sync.Cond

	owner  string
	active bool
	drops  uint64

	free  *Elem
	head  *Elem
	tail  *Elem
	pool  []Elem
	cap   int
	onDrop func()
}

// New creates a queue of the given capacity. onDrop, if non-nil, is
// called (outside metrics-critical paths, under the queue lock) each
// time an entry is evicted.
func New(owner string, size int, onDrop func()) *Queue {
	if size <= 0 {
		size = 1
	}
	q := &Queue{
		owner:  owner,
		active: true,
		pool:   make([]Elem, size),
		cap:    size,
		onDrop: onDrop,
	}
	q.fresh = sync.NewCond(&q.mu)
	for i := 0; i < size-1; i++ {
		q.pool[i].next = &q.pool[i+1]
	}
	q.free = &q.pool[0]
	return q
}

// Owner returns the name of the interface the queue belongs to.
func (q *Queue) Owner() string {
	return q.owner
}

// Push copies s into the queue. If the free list is exhausted the
// oldest queued entry is stolen to make room, so the push always
// succeeds. A nil s is the shutdown token: it marks the queue
// inactive and wakes all waiters without enqueuing anything.
func (q *Queue) Push(s *nmea.Senblk) {
	q.mu.Lock()
	if s == nil {
		q.active = false
	} else {
		var e *Elem
		if q.free != nil {
			e = q.free
			q.free = q.free.next
		} else {
			// Steal the head of the data list, dropping its contents.
			e = q.head
			q.head = e.next
			if q.head == nil {
				q.tail = nil
			}
			q.drops++
			if q.onDrop != nil {
				q.onDrop()
			}
		}
		e.Blk.CopyFrom(s)
		e.next = nil
		if q.tail != nil {
			q.tail.next = e
		}
		q.tail = e
		if q.head == nil {
			q.head = e
		}
	}
	q.fresh.Broadcast()
	q.mu.Unlock()
}

// Next blocks until data is available or the queue is shut down,
// returning the oldest entry or nil once the queue is both drained
// and inactive.
func (q *Queue) Next() *Elem {
	q.mu.Lock()
	for q.head == nil {
		if !q.active {
			q.mu.Unlock()
			return nil
		}
		q.fresh.Wait()
	}
	e := q.head
	if q.head = e.next; q.head == nil {
		q.tail = nil
	}
	q.mu.Unlock()
	return e
}

// Last behaves like Next but returns the newest entry, recycling
// everything older onto the free list.
func (q *Queue) Last() *Elem {
	q.mu.Lock()
	for q.head == nil {
		if !q.active {
			q.mu.Unlock()
			return nil
		}
		q.fresh.Wait()
	}
	e := q.head
	for e.next != nil {
		n := e.next
		e.next = q.free
		q.free = e
		e = n
	}
	q.head, q.tail = nil, nil
	q.mu.Unlock()
	return e
}

// Flush moves the whole data list onto the free list.
func (q *Queue) Flush() {
	q.mu.Lock()
	if q.head != nil {
		q.tail.next = q.free
		q.free = q.head
		q.head, q.tail = nil, nil
	}
	q.mu.Unlock()
}

// Free returns an element obtained from Next or Last to the free
// list.
func (q *Queue) Free(e *Elem) {
	q.mu.Lock()
	e.next = q.free
	q.free = e
	q.mu.Unlock()
}

// Cap reports the fixed capacity.
func (q *Queue) Cap() int {
	return q.cap
}

// Drops reports how many entries have been evicted by overflow.
func (q *Queue) Drops() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drops
}

// Active reports whether the queue has not yet been shut down.
func (q *Queue) Active() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}
