package session

import (
	"time"

	"golang.org/x/time/rate"
)

// InboundAudioLimiter caps inbound audio per connection by frames/s and bytes/s.
type InboundAudioLimiter struct {
	now func() time.Time
	fps *rate.Limiter
	bps *rate.Limiter
}

func NewInboundAudioLimiter(now func() time.Time, fps int, bps int64, burstSeconds int) *InboundAudioLimiter {
	if fps <= 0 && bps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}

	l := &InboundAudioLimiter{now: now}
	if fps > 0 {
		l.fps = rate.NewLimiter(rate.Limit(fps), fps*burstSeconds)
	}
	if bps > 0 {
		l.bps = rate.NewLimiter(rate.Limit(bps), int(bps)*burstSeconds)
	}
	return l
}

// Allow consumes budget for one frame. A frame that does not fit either bucket
// consumes nothing.
func (l *InboundAudioLimiter) Allow(frameBytes int) bool {
	if l == nil {
		return true
	}
	if frameBytes < 0 {
		frameBytes = 0
	}
	now := l.now()

	var frameRes *rate.Reservation
	if l.fps != nil {
		frameRes = l.fps.ReserveN(now, 1)
		if !frameRes.OK() || frameRes.DelayFrom(now) > 0 {
			frameRes.CancelAt(now)
			return false
		}
	}
	if l.bps != nil && frameBytes > 0 {
		byteRes := l.bps.ReserveN(now, frameBytes)
		if !byteRes.OK() || byteRes.DelayFrom(now) > 0 {
			byteRes.CancelAt(now)
			if frameRes != nil {
				frameRes.CancelAt(now)
			}
			return false
		}
	}
	return true
}
