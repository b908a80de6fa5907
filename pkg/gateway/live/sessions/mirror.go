package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vango-go/vai-interview/pkg/gateway/live/session"
)

const (
	DefaultMirrorPrefix = "vai:voice:session"
	DefaultMirrorTTL    = 2 * time.Hour
	defaultMirrorQueue  = 256
	mirrorWriteTimeout  = 2 * time.Second
	tombstoneTTL        = 5 * time.Minute
)

// Record is the JSON document stored per live connection.
type Record struct {
	SessionID    string    `json:"session_id"`
	ConnectionID string    `json:"connection_id"`
	InterviewID  string    `json:"interview_id"`
	State        string    `json:"state"`
	Epoch        uint64    `json:"epoch"`
	SampleRate   int       `json:"sample_rate"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RedisMirror keeps a Redis copy of every live session's state. Writes happen
// on a background worker behind a bounded queue; when the queue is full the
// update is dropped and the next one catches up.
type RedisMirror struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	logger *slog.Logger

	queue   chan mirrorOp
	dropped atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

type mirrorOp struct {
	connectionID string
	snap         *session.Snapshot // nil deletes
	finalSeq     uint64
}

type tombstone struct {
	seq uint64
	at  time.Time
}

// mirrorState is owned by the worker goroutine.
type mirrorState struct {
	latest  map[string]uint64
	deleted map[string]tombstone
}

type MirrorOption func(*RedisMirror)

func WithMirrorPrefix(prefix string) MirrorOption {
	return func(m *RedisMirror) { m.prefix = prefix }
}

// WithMirrorTTL sets how long a record survives without updates. Zero keeps records until deleted.
func WithMirrorTTL(ttl time.Duration) MirrorOption {
	return func(m *RedisMirror) { m.ttl = ttl }
}

func WithMirrorQueue(n int) MirrorOption {
	return func(m *RedisMirror) {
		if n > 0 {
			m.queue = make(chan mirrorOp, n)
		}
	}
}

func WithMirrorLogger(l *slog.Logger) MirrorOption {
	return func(m *RedisMirror) { m.logger = l }
}

// NewRedisMirror starts the mirror worker. Call Close to flush and stop it.
func NewRedisMirror(client redis.Cmdable, opts ...MirrorOption) *RedisMirror {
	ctx, cancel := context.WithCancel(context.Background())
	m := &RedisMirror{
		client: client,
		prefix: DefaultMirrorPrefix,
		ttl:    DefaultMirrorTTL,
		logger: slog.Default(),
		queue:  make(chan mirrorOp, defaultMirrorQueue),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.wg.Add(1)
	go m.run()
	return m
}

// Key returns the Redis key for a connection.
func (m *RedisMirror) Key(connectionID string) string {
	return fmt.Sprintf("%s:%s", m.prefix, connectionID)
}

func (m *RedisMirror) Publish(snap session.Snapshot) {
	m.enqueue(mirrorOp{connectionID: snap.ConnectionID, snap: &snap})
}

func (m *RedisMirror) Delete(connectionID string, finalSeq uint64) {
	m.enqueue(mirrorOp{connectionID: connectionID, finalSeq: finalSeq})
}

// Dropped reports how many updates were discarded because the queue was full.
func (m *RedisMirror) Dropped() int64 {
	return m.dropped.Load()
}

func (m *RedisMirror) enqueue(op mirrorOp) {
	select {
	case <-m.ctx.Done():
		return
	default:
	}
	select {
	case m.queue <- op:
	default:
		m.dropped.Add(1)
	}
}

// Get reads the stored record for a connection.
func (m *RedisMirror) Get(ctx context.Context, connectionID string) (Record, bool, error) {
	data, err := m.client.Get(ctx, m.Key(connectionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("redis get failed: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("failed to unmarshal session record: %w", err)
	}
	return rec, true, nil
}

// Close drains queued updates, bounded by ctx, and stops the worker.
func (m *RedisMirror) Close(ctx context.Context) {
	m.once.Do(func() {
		done := make(chan struct{})
		go func() {
			m.cancel()
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
		}
	})
}

func (m *RedisMirror) run() {
	defer m.wg.Done()
	st := &mirrorState{latest: make(map[string]uint64), deleted: make(map[string]tombstone)}
	for {
		select {
		case op := <-m.queue:
			m.apply(op, st)
		case <-m.ctx.Done():
			for {
				select {
				case op := <-m.queue:
					m.apply(op, st)
				default:
					return
				}
			}
		}
	}
}

func (m *RedisMirror) apply(op mirrorOp, st *mirrorState) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorWriteTimeout)
	defer cancel()

	if op.snap == nil {
		now := time.Now()
		for id, t := range st.deleted {
			if now.Sub(t.at) > tombstoneTTL {
				delete(st.deleted, id)
			}
		}
		delete(st.latest, op.connectionID)
		st.deleted[op.connectionID] = tombstone{seq: op.finalSeq, at: now}
		if err := m.client.Del(ctx, m.Key(op.connectionID)).Err(); err != nil {
			m.logger.Warn("session mirror delete failed", "connection_id", op.connectionID, "error", err)
		}
		return
	}

	snap := op.snap
	if t, ok := st.deleted[op.connectionID]; ok && snap.Seq <= t.seq {
		return
	}
	if seq, ok := st.latest[op.connectionID]; ok && snap.Seq < seq {
		return
	}
	st.latest[op.connectionID] = snap.Seq

	data, err := json.Marshal(Record{
		SessionID:    snap.SessionID,
		ConnectionID: snap.ConnectionID,
		InterviewID:  snap.InterviewID,
		State:        snap.State.String(),
		Epoch:        snap.Epoch,
		SampleRate:   snap.SampleRate,
		StartedAt:    snap.StartedAt,
		UpdatedAt:    time.Now().UTC(),
	})
	if err != nil {
		m.logger.Warn("session mirror encode failed", "connection_id", op.connectionID, "error", err)
		return
	}
	if err := m.client.Set(ctx, m.Key(op.connectionID), data, m.ttl).Err(); err != nil {
		m.logger.Warn("session mirror write failed", "connection_id", op.connectionID, "error", err)
	}
}
