// Package tts provides streaming text-to-speech.
package tts

import (
	"context"
	"sync"
)

// Provider is the interface for text-to-speech services.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// SynthesizeStream converts text to a stream of raw PCM16LE mono chunks at
	// opts.SampleRate. Chunks always hold a whole number of samples.
	SynthesizeStream(ctx context.Context, text string, opts SynthesizeOptions) (*SynthesisStream, error)
}

// SynthesizeOptions configures synthesis.
type SynthesizeOptions struct {
	Voice      string // Voice identifier
	Model      string // Provider-specific model
	SampleRate int    // Output rate: 16000, 22050, 24000 or 44100
}

// Synthesize collects a whole stream into one buffer.
func Synthesize(ctx context.Context, p Provider, text string, opts SynthesizeOptions) ([]byte, error) {
	stream, err := p.SynthesizeStream(ctx, text, opts)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var out []byte
	for chunk := range stream.Chunks() {
		out = append(out, chunk...)
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// SynthesisStream provides streaming audio output.
type SynthesisStream struct {
	chunks   chan []byte
	done     chan struct{}
	finished chan struct{}
	once     sync.Once

	mu  sync.Mutex
	err error
}

// NewSynthesisStream creates a new synthesis stream.
func NewSynthesisStream() *SynthesisStream {
	return &SynthesisStream{
		chunks:   make(chan []byte, 100),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Chunks returns the channel of audio chunks. It is closed when synthesis ends.
func (s *SynthesisStream) Chunks() <-chan []byte {
	return s.chunks
}

// Err returns the error that ended synthesis, once the producer has finished.
func (s *SynthesisStream) Err() error {
	select {
	case <-s.finished:
	case <-s.done:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the producer. Safe to call more than once.
func (s *SynthesisStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// Done is closed once Close has been called.
func (s *SynthesisStream) Done() <-chan struct{} {
	return s.done
}

// SetError records the stream error.
func (s *SynthesisStream) SetError(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Send sends a chunk to the stream. Returns false if stream is closed.
func (s *SynthesisStream) Send(chunk []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.chunks <- chunk:
		return true
	case <-s.done:
		return false
	}
}

// FinishSending closes the chunks channel to signal completion.
func (s *SynthesisStream) FinishSending() {
	close(s.chunks)
	close(s.finished)
}
