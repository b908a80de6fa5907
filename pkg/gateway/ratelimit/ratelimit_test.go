package ratelimit

import (
	"testing"
	"time"
)

func TestAcquireConnection_EnforcesConcurrency(t *testing.T) {
	l := New(Config{MaxConnections: 1})
	now := time.Now()

	first := l.AcquireConnection("p1", now)
	if !first.Allowed || first.Permit == nil {
		t.Fatalf("first allowed=%v permit=%v", first.Allowed, first.Permit)
	}

	second := l.AcquireConnection("p1", now)
	if second.Allowed {
		t.Fatalf("second should be denied")
	}
	if other := l.AcquireConnection("p2", now); !other.Allowed {
		t.Fatalf("other client should be allowed")
	}

	first.Permit.Release()
	first.Permit.Release()
	third := l.AcquireConnection("p1", now)
	if !third.Allowed {
		t.Fatalf("third should be allowed after release")
	}
	if fourth := l.AcquireConnection("p1", now); fourth.Allowed {
		t.Fatalf("double release freed an extra slot")
	}
}

func TestAllowUpgrade_TokenBucket(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 2})
	now := time.Unix(1000, 0)

	for i := 0; i < 2; i++ {
		if d := l.AllowUpgrade("p1", now); !d.Allowed {
			t.Fatalf("burst request %d denied", i)
		}
	}
	d := l.AllowUpgrade("p1", now)
	if d.Allowed {
		t.Fatalf("third request inside the same instant should be denied")
	}
	if d.RetryAfter != 1 {
		t.Fatalf("retry_after=%d, want 1", d.RetryAfter)
	}

	if d := l.AllowUpgrade("p1", now.Add(time.Second)); !d.Allowed {
		t.Fatalf("request after refill denied")
	}
}

func TestAllowUpgrade_DisabledBucketAlwaysAllows(t *testing.T) {
	l := New(Config{})
	now := time.Now()
	for i := 0; i < 100; i++ {
		if d := l.AllowUpgrade("", now); !d.Allowed {
			t.Fatalf("request %d denied with limits disabled", i)
		}
	}
}

func TestLimiter_EvictsIdleEntries(t *testing.T) {
	l := New(Config{MaxConnections: 1, MaxEntries: 2, EntryTTL: time.Minute})
	now := time.Unix(1000, 0)

	held := l.AcquireConnection("busy", now)
	if !held.Allowed {
		t.Fatalf("busy denied")
	}
	idle := l.AcquireConnection("idle", now)
	idle.Permit.Release()

	l.AcquireConnection("new", now.Add(2*time.Minute))

	l.mu.Lock()
	_, busyKept := l.m["busy"]
	_, idleKept := l.m["idle"]
	l.mu.Unlock()
	if !busyKept {
		t.Fatalf("entry with an open connection was evicted")
	}
	if idleKept {
		t.Fatalf("idle entry survived gc")
	}
	if d := l.AcquireConnection("busy", now.Add(2*time.Minute)); d.Allowed {
		t.Fatalf("busy client exceeded its connection cap after gc")
	}
}

func TestClientKeyFromIP_Hashes(t *testing.T) {
	k := ClientKeyFromIP("203.0.113.7")
	if k == "" || k == "203.0.113.7" || k[:3] != "ip_" {
		t.Fatalf("key=%q", k)
	}
	if k != ClientKeyFromIP("203.0.113.7") {
		t.Fatalf("key not stable")
	}
}
