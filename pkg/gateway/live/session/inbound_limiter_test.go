package session

import (
	"testing"
	"time"
)

func TestInboundLimiter_AllowsWithinBurstThenDenies(t *testing.T) {
	now := time.Date(2026, 2, 26, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	lim := NewInboundAudioLimiter(clock, 1, 0, 2) // 2 frame burst
	if !lim.Allow(10) {
		t.Fatalf("expected allow 1")
	}
	if !lim.Allow(10) {
		t.Fatalf("expected allow 2")
	}
	if lim.Allow(10) {
		t.Fatalf("expected deny 3")
	}
}

func TestInboundLimiter_RefillsOverTime(t *testing.T) {
	now := time.Date(2026, 2, 26, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	lim := NewInboundAudioLimiter(clock, 10, 0, 2) // 20 frame burst
	for i := 0; i < 20; i++ {
		if !lim.Allow(1) {
			t.Fatalf("expected allow at i=%d", i)
		}
	}
	if lim.Allow(1) {
		t.Fatalf("expected deny once tokens exhausted")
	}

	now = now.Add(100 * time.Millisecond) // should refill 1 token
	if !lim.Allow(1) {
		t.Fatalf("expected allow after refill")
	}
	if lim.Allow(1) {
		t.Fatalf("expected deny again without enough time")
	}
}

func TestInboundLimiter_BPSDeniesWhenBytesExceed(t *testing.T) {
	now := time.Date(2026, 2, 26, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	lim := NewInboundAudioLimiter(clock, 0, 100, 2) // 200 byte burst
	if !lim.Allow(150) {
		t.Fatalf("expected allow 150 bytes")
	}
	if lim.Allow(60) {
		t.Fatalf("expected deny 60 bytes due to bps tokens")
	}
}

func TestInboundLimiter_DeniedFrameDoesNotSpendFrameBudget(t *testing.T) {
	now := time.Date(2026, 2, 26, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	lim := NewInboundAudioLimiter(clock, 2, 100, 1) // 2 frames, 100 bytes
	if lim.Allow(500) {
		t.Fatalf("expected deny for frame larger than byte burst")
	}
	if !lim.Allow(40) || !lim.Allow(40) {
		t.Fatalf("expected both small frames to fit the untouched frame budget")
	}
	if lim.Allow(1) {
		t.Fatalf("expected deny once frames exhausted")
	}
}

func TestInboundLimiter_DisabledIsNil(t *testing.T) {
	lim := NewInboundAudioLimiter(nil, 0, 0, 0)
	if lim != nil {
		t.Fatalf("expected nil limiter when both limits are off")
	}
	if !lim.Allow(1 << 20) {
		t.Fatalf("nil limiter must allow")
	}
}
