// Package stt provides streaming speech-to-text.
package stt

import (
	"context"
)

// Provider opens streaming recognition sessions.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// NewStream opens an upstream recognition session. Audio is pushed with
	// SendAudio and transcript updates arrive on Transcripts until the stream ends.
	NewStream(ctx context.Context, opts StreamOptions) (Stream, error)
}

// StreamOptions configures a recognition session.
type StreamOptions struct {
	Model      string // Provider-specific model
	Language   string // BCP-47 language tag
	SampleRate int    // PCM16 mono input rate in Hz
}

// Stream is one live recognition session.
type Stream interface {
	// SendAudio forwards mono PCM16LE audio at the negotiated rate.
	SendAudio(pcm []byte) error

	// Transcripts is closed when the upstream session ends for any reason.
	Transcripts() <-chan TranscriptDelta

	// Done is closed once the read side has stopped.
	Done() <-chan struct{}

	// Err returns the error that ended the session, if any.
	Err() error

	Close() error
}

// TranscriptDelta is a streaming transcript update.
type TranscriptDelta struct {
	Text        string  // Transcript for the current segment
	IsFinal     bool    // The segment will not be revised
	SpeechFinal bool    // The provider detected an end of utterance
	Start       float64 // Segment start in seconds from stream start
	Duration    float64 // Segment duration in seconds
}
