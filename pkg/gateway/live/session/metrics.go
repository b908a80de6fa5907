package session

import "time"

// Metrics receives pipeline counters from sessions, bridges and writers.
type Metrics interface {
	FrameDropped(reason string)
	StaleFrameDropped()
	Interrupted()
	TurnFinished(kind, outcome string, elapsed time.Duration)
	ProviderError(provider string)
	AudioBytes(direction string, n int)
	// InboundLevel receives the RMS and peak amplitude of each inbound frame.
	InboundLevel(rms, peak float64)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) FrameDropped(string)                        {}
func (NopMetrics) StaleFrameDropped()                         {}
func (NopMetrics) Interrupted()                               {}
func (NopMetrics) TurnFinished(string, string, time.Duration) {}
func (NopMetrics) ProviderError(string)                       {}
func (NopMetrics) AudioBytes(string, int)                     {}
func (NopMetrics) InboundLevel(float64, float64)              {}
