package audio

import "sync"

// CaptureQueue is a bounded FIFO between a capture callback and the send path.
// When full, Push drops the oldest frame: stale microphone audio is worthless once delayed.
type CaptureQueue struct {
	mu      sync.Mutex
	frames  [][]byte
	max     int
	dropped int64
	notify  chan struct{}
	closed  bool
}

// NewCaptureQueue creates a queue holding at most max frames (minimum 1).
func NewCaptureQueue(max int) *CaptureQueue {
	if max < 1 {
		max = 1
	}
	return &CaptureQueue{
		frames: make([][]byte, 0, max),
		max:    max,
		notify: make(chan struct{}, 1),
	}
}

// Push enqueues a frame without blocking. It reports false once the queue is closed.
func (q *CaptureQueue) Push(frame []byte) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if len(q.frames) == q.max {
		q.frames[0] = nil
		q.frames = q.frames[1:]
		q.dropped++
	}
	q.frames = append(q.frames, frame)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Pop removes the oldest frame, if any.
func (q *CaptureQueue) Pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return nil, false
	}
	frame := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	return frame, true
}

// Ready is signaled after Push; consumers should drain with Pop until it reports false.
func (q *CaptureQueue) Ready() <-chan struct{} {
	return q.notify
}

// Len returns the number of queued frames.
func (q *CaptureQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Dropped returns how many frames were discarded to make room.
func (q *CaptureQueue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close stops accepting frames. Queued frames can still be popped.
func (q *CaptureQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
