package transport

import (
	"sync"
	"sync/atomic"

	"github.com/gammazero/deque"

	"github.com/zsiec/volcast/internal/wire"
)

// DefaultQueueSize bounds the frames buffered per connection before the
// oldest are dropped.
const DefaultQueueSize = 256

// frameQueue buffers received frames between the reader goroutine and the
// receive loop. When full, the oldest frame is dropped.
type frameQueue struct {
	max     int
	notify  chan struct{}
	dropped atomic.Int64

	mu     sync.Mutex
	frames deque.Deque[wire.Frame]
}

func newFrameQueue(size int) *frameQueue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &frameQueue{max: size, notify: make(chan struct{}, 1)}
}

func (q *frameQueue) push(f wire.Frame) {
	q.mu.Lock()
	q.frames.PushBack(f)
	for q.frames.Len() > q.max {
		q.frames.PopFront()
		q.dropped.Add(1)
	}
	q.mu.Unlock()
	q.signal()
}

func (q *frameQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *frameQueue) front() (wire.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.frames.Len() == 0 {
		return wire.Frame{}, false
	}
	return q.frames.Front(), true
}

func (q *frameQueue) pop() {
	q.mu.Lock()
	if q.frames.Len() > 0 {
		q.frames.PopFront()
	}
	q.mu.Unlock()
}

func (q *frameQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.frames.Len()
}

func (q *frameQueue) clear() {
	q.mu.Lock()
	q.frames.Clear()
	q.mu.Unlock()
}
