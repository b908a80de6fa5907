package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Config struct {
	// RPS and Burst bound voice upgrades per client. Zero disables the bucket.
	RPS   float64
	Burst int

	MaxConnections int

	// Operational bounds for the in-memory map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*clientLimiter
}

type clientLimiter struct {
	bucket  *rate.Limiter
	connSem chan struct{}

	mu       sync.Mutex
	lastSeen time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*clientLimiter),
	}
}

// ClientKeyFromIP hashes an IP so raw addresses never become map keys.
func ClientKeyFromIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return "ip_" + hex.EncodeToString(sum[:16])
}

type Permit struct {
	release func()
	once    sync.Once
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.once.Do(p.release)
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	Permit     *Permit
}

// AllowUpgrade spends one token from the client's upgrade bucket.
func (l *Limiter) AllowUpgrade(client string, now time.Time) Decision {
	cl := l.getOrCreate(client, now)
	if ok, retryAfter := cl.allow(now); !ok {
		return Decision{RetryAfter: retryAfter}
	}
	return Decision{Allowed: true}
}

// AcquireConnection takes one of the client's concurrent-connection slots.
// The slot is held until the permit is released.
func (l *Limiter) AcquireConnection(client string, now time.Time) Decision {
	cl := l.getOrCreate(client, now)
	if cl.connSem == nil {
		return Decision{Allowed: true, Permit: &Permit{}}
	}
	select {
	case cl.connSem <- struct{}{}:
		return Decision{Allowed: true, Permit: &Permit{release: func() { <-cl.connSem }}}
	default:
		return Decision{RetryAfter: 1}
	}
}

func (l *Limiter) getOrCreate(client string, now time.Time) *clientLimiter {
	if client == "" {
		client = "anonymous"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if cl, ok := l.m[client]; ok {
		cl.touch(now)
		return cl
	}

	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		// Still full: evict an idle entry rather than grow.
		if len(l.m) >= l.cfg.MaxEntries {
			for k, v := range l.m {
				if len(v.connSem) == 0 {
					delete(l.m, k)
					break
				}
			}
		}
	}

	cl := &clientLimiter{lastSeen: now}
	if l.cfg.RPS > 0 && l.cfg.Burst > 0 {
		cl.bucket = rate.NewLimiter(rate.Limit(l.cfg.RPS), l.cfg.Burst)
	}
	if l.cfg.MaxConnections > 0 {
		cl.connSem = make(chan struct{}, l.cfg.MaxConnections)
	}
	l.m[client] = cl
	return cl
}

// gcLocked drops idle entries. Entries with open connections are kept so
// their permits keep counting.
func (l *Limiter) gcLocked(now time.Time) {
	ttl := l.cfg.EntryTTL
	for k, v := range l.m {
		if len(v.connSem) > 0 {
			continue
		}
		if now.Sub(v.seen()) > ttl {
			delete(l.m, k)
		}
	}
}

func (cl *clientLimiter) touch(now time.Time) {
	cl.mu.Lock()
	cl.lastSeen = now
	cl.mu.Unlock()
}

func (cl *clientLimiter) seen() time.Time {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.lastSeen
}

func (cl *clientLimiter) allow(now time.Time) (bool, int) {
	if cl.bucket == nil {
		return true, 0
	}
	r := cl.bucket.ReserveN(now, 1)
	if !r.OK() {
		return false, 1
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return true, 0
	}
	r.CancelAt(now)
	retryAfter := int(math.Ceil(delay.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}
