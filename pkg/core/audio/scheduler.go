package audio

import (
	"sync"
	"time"
)

const (
	// DefaultLatencyMargin absorbs arrival jitter before the first buffer plays.
	DefaultLatencyMargin = 50 * time.Millisecond
	// DefaultFinishSlack is how close to the end of the last buffer playback counts as finished.
	DefaultFinishSlack = 100 * time.Millisecond
)

// Clock is a monotonic audio clock. Now returns the current playback position.
type Clock interface {
	Now() time.Duration
}

type wallClock struct {
	start time.Time
}

// NewWallClock returns a Clock that advances with real time from the moment of creation.
func NewWallClock() Clock {
	return wallClock{start: time.Now()}
}

func (c wallClock) Now() time.Duration { return time.Since(c.start) }

// Slot is the interval a buffer was scheduled into.
type Slot struct {
	Start time.Duration
	End   time.Duration
}

// Scheduler places decoded buffers back to back on a Clock so consecutive buffers
// never overlap and never start earlier than now plus the latency margin.
type Scheduler struct {
	clock       Clock
	margin      time.Duration
	finishSlack time.Duration

	mu        sync.Mutex
	next      time.Duration
	scheduled int
	reserved  []Slot // slots that may not have started yet, in order
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithLatencyMargin overrides DefaultLatencyMargin.
func WithLatencyMargin(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d >= 0 {
			s.margin = d
		}
	}
}

// WithFinishSlack overrides DefaultFinishSlack.
func WithFinishSlack(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d >= 0 {
			s.finishSlack = d
		}
	}
}

// NewScheduler creates a scheduler on clock. A nil clock uses wall time.
func NewScheduler(clock Clock, opts ...SchedulerOption) *Scheduler {
	if clock == nil {
		clock = NewWallClock()
	}
	s := &Scheduler{
		clock:       clock,
		margin:      DefaultLatencyMargin,
		finishSlack: DefaultFinishSlack,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.next = clock.Now() + s.margin
	return s
}

// Schedule reserves a slot for a buffer of duration d and advances the cursor.
func (s *Scheduler) Schedule(d time.Duration) Slot {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.clock.Now() + s.margin
	if s.next > start {
		start = s.next
	}
	s.next = start + d
	s.scheduled++
	slot := Slot{Start: start, End: s.next}
	s.pruneLocked(s.clock.Now())
	s.reserved = append(s.reserved, slot)
	return slot
}

func (s *Scheduler) pruneLocked(now time.Duration) {
	i := 0
	for i < len(s.reserved) && s.reserved[i].End <= now {
		i++
	}
	if i > 0 {
		s.reserved = append(s.reserved[:0], s.reserved[i:]...)
	}
}

// NextAvailableStart returns the cursor where the next buffer would begin at the earliest.
func (s *Scheduler) NextAvailableStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// FinishSlack returns how close to the end of the last buffer counts as finished.
func (s *Scheduler) FinishSlack() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishSlack
}

// Finished reports whether everything scheduled so far has (nearly) played out.
// It is meant to be called from a buffer's completion callback.
func (s *Scheduler) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduled == 0 {
		return false
	}
	return s.clock.Now() >= s.next-s.finishSlack
}

// Reset releases the reservations of buffers whose slot has not started yet, as on
// interrupt. A buffer that has started keeps its slot, so the cursor only moves back
// over audio that was never played, and never behind the clock.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	floor := now
	for _, slot := range s.reserved {
		if slot.Start > now {
			break
		}
		if slot.End > floor {
			floor = slot.End
		}
	}
	if s.next > floor {
		s.next = floor
	}
	s.reserved = s.reserved[:0]
	if floor > now {
		s.reserved = append(s.reserved, Slot{Start: now, End: floor})
	}
	s.scheduled = 0
}
