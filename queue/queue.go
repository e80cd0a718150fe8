// Package queue implements the bounded ingestion queue between producers
// and the background worker.
package queue

import (
	"sync"
	"time"

	"github.com/hsdfat/go-klog/klogerr"
	"github.com/hsdfat/go-klog/record"
)

// Capacity bounds accepted by New.
const (
	MinCapacity = 1
	MaxCapacity = 1 << 20
)

// Queue is a bounded FIFO of pending items. Any number of goroutines may
// call Put; exactly one goroutine may call Get.
//
// Wakeups are delivered through two capacity-1 channels. A producer that
// inserts while space remains re-signals notFull so that other blocked
// producers are not left waiting on a free slot.
type Queue struct {
	mu       sync.Mutex
	items    []record.Item
	capacity int
	notEmpty chan struct{}
	notFull  chan struct{}
	closed   chan struct{}
	once     sync.Once
}

// New creates a queue holding at most capacity items.
func New(capacity int) (*Queue, error) {
	if capacity < MinCapacity || capacity > MaxCapacity {
		return nil, klogerr.Configf("queue size must be in [%d, %d], got %d", MinCapacity, MaxCapacity, capacity)
	}
	return &Queue{
		capacity: capacity,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}, nil
}

// Put appends item. When the queue is full, Put waits for space if block is
// true and otherwise returns false without inserting. After Close, Put
// returns false, including for producers waiting at the time.
func (q *Queue) Put(item record.Item, block bool) bool {
	q.mu.Lock()
	for q.isClosed() || len(q.items) >= q.capacity {
		q.mu.Unlock()
		if !block || q.isClosed() {
			return false
		}
		select {
		case <-q.notFull:
		case <-q.closed:
			return false
		}
		q.mu.Lock()
	}
	q.items = append(q.items, item)
	if len(q.items) < q.capacity {
		signal(q.notFull)
	}
	q.mu.Unlock()

	signal(q.notEmpty)
	return true
}

// Get removes and returns the oldest item, waiting up to timeout for one to
// arrive. A zero timeout polls; a negative timeout waits forever. The
// second result is false if no item was available.
func (q *Queue) Get(timeout time.Duration) (record.Item, bool) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		if item, ok := q.pop(); ok {
			return item, true
		}
		if timeout == 0 {
			return record.Item{}, false
		}
		select {
		case <-q.notEmpty:
		case <-expired:
			return q.pop()
		}
	}
}

func (q *Queue) pop() (record.Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return record.Item{}, false
	}
	item := q.items[0]
	q.items[0] = record.Item{} // release payload for GC
	q.items = q.items[1:]
	signal(q.notFull)
	return item, true
}

// Close stops accepting items and releases blocked producers. Items
// already queued can still be taken with Get.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.closed) })
}

func (q *Queue) isClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the configured capacity.
func (q *Queue) Cap() int {
	return q.capacity
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
