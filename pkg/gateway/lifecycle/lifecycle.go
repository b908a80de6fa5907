package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle holds process-wide drain state shared by the HTTP handlers.
// Once draining, readiness fails and new voice upgrades are refused.
type Lifecycle struct {
	draining atomic.Bool
	since    atomic.Int64
}

// Drain marks the process as draining. It reports whether this call flipped the state.
func (l *Lifecycle) Drain(now time.Time) bool {
	if l == nil {
		return false
	}
	if !l.draining.CompareAndSwap(false, true) {
		return false
	}
	l.since.Store(now.UnixNano())
	return true
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// DrainingSince returns when Drain first succeeded.
func (l *Lifecycle) DrainingSince() (time.Time, bool) {
	if !l.IsDraining() {
		return time.Time{}, false
	}
	return time.Unix(0, l.since.Load()), true
}
