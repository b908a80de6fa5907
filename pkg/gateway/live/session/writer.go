package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

const outboundPriorityQueueSize = 8

// ErrWriterClosed is returned by Send once the connection writer has stopped.
var ErrWriterClosed = errors.New("live outbound writer closed")

var errBackpressure = errors.New("live outbound backpressure")

// WSWriter is the write half of a WebSocket connection.
type WSWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Frame is one outbound WebSocket message, either Text or Binary.
// Gate, when set, is consulted on enqueue and again right before the write;
// false drops the frame.
type Frame struct {
	Text   []byte
	Binary []byte
	Gate   func() bool
}

// JSONFrame marshals v into a text frame.
func JSONFrame(v any) (Frame, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Text: payload}, nil
}

func (f Frame) stale() bool {
	return f.Gate != nil && !f.Gate()
}

// Sink accepts outbound frames for one connection.
type Sink interface {
	// Send queues f in order, blocking while the queue is full.
	Send(ctx context.Context, f Frame) error
	// SendPriority queues f ahead of normal frames without blocking.
	SendPriority(f Frame) error
}

type WriterConfig struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	QueueSize    int
}

// Writer is the single ordered writer of a connection. All goroutines that
// talk to the client go through it.
type Writer struct {
	ws       WSWriter
	ctx      context.Context
	cfg      WriterConfig
	priority chan Frame
	normal   chan Frame
	done     chan struct{}
	onStale  func()
}

// NewWriter creates a writer bound to ctx. onStale, if set, runs for every
// frame dropped by its gate.
func NewWriter(ctx context.Context, ws WSWriter, cfg WriterConfig, onStale func()) *Writer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Writer{
		ws:       ws,
		ctx:      ctx,
		cfg:      cfg,
		priority: make(chan Frame, min(cfg.QueueSize, outboundPriorityQueueSize)),
		normal:   make(chan Frame, cfg.QueueSize),
		done:     make(chan struct{}),
		onStale:  onStale,
	}
}

// Done is closed when Run returns.
func (w *Writer) Done() <-chan struct{} {
	return w.done
}

func (w *Writer) Send(ctx context.Context, f Frame) error {
	if f.stale() {
		w.dropStale()
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-w.done:
		return ErrWriterClosed
	case <-w.ctx.Done():
		return ErrWriterClosed
	default:
	}
	select {
	case w.normal <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.ctx.Done():
		return ErrWriterClosed
	case <-w.done:
		return ErrWriterClosed
	}
}

func (w *Writer) SendPriority(f Frame) error {
	select {
	case <-w.done:
		return ErrWriterClosed
	default:
	}
	for i := 0; i < 4; i++ {
		select {
		case w.priority <- f:
			return nil
		default:
		}
		select {
		case <-w.priority:
		default:
		}
	}
	select {
	case w.priority <- f:
		return nil
	default:
		return errBackpressure
	}
}

// Run writes frames until ctx ends or a write fails. On shutdown it flushes
// pending priority frames and sends a close frame.
func (w *Writer) Run() error {
	defer close(w.done)
	if w.ws == nil {
		return nil
	}
	writeTimeout := w.cfg.WriteTimeout

	pingTicker := time.NewTicker(w.cfg.PingInterval)
	defer pingTicker.Stop()

	var pendingNormal *Frame

	for {
		select {
		case <-w.ctx.Done():
			w.flushPriorityOnShutdown(writeTimeout)
			_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
			_ = w.ws.Close()
			return nil
		default:
		}

		// Hard priority: if anything is queued, handle it before writing normal frames.
		select {
		case frame := <-w.priority:
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
			continue
		default:
		}

		if pendingNormal != nil {
			if err := w.writeFrame(*pendingNormal, writeTimeout); err != nil {
				return err
			}
			pendingNormal = nil
			continue
		}

		select {
		case <-w.ctx.Done():
		case <-pingTicker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return err
			}
		case frame := <-w.priority:
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
		case frame := <-w.normal:
			pendingNormal = &frame
		}
	}
}

func (w *Writer) flushPriorityOnShutdown(writeTimeout time.Duration) {
	flushTimeout := 100 * time.Millisecond
	if writeTimeout > 0 && writeTimeout < flushTimeout {
		flushTimeout = writeTimeout
	}

	deadline := time.Now().Add(flushTimeout)
	maxFlushFrames := 8

	for i := 0; i < maxFlushFrames && time.Now().Before(deadline); i++ {
		select {
		case frame := <-w.priority:
			_ = w.writeFrame(frame, writeTimeout)
		default:
			return
		}
	}
}

func (w *Writer) writeFrame(frame Frame, writeTimeout time.Duration) error {
	if frame.stale() {
		w.dropStale()
		return nil
	}

	deadline := time.Now().Add(writeTimeout)
	switch {
	case len(frame.Text) > 0:
		if err := w.ws.SetWriteDeadline(deadline); err != nil {
			return err
		}
		return w.ws.WriteMessage(websocket.TextMessage, frame.Text)
	case len(frame.Binary) > 0:
		if err := w.ws.SetWriteDeadline(deadline); err != nil {
			return err
		}
		return w.ws.WriteMessage(websocket.BinaryMessage, frame.Binary)
	}
	return nil
}

func (w *Writer) dropStale() {
	if w.onStale != nil {
		w.onStale()
	}
}
