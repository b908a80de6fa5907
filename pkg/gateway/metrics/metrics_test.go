package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vango-go/vai-interview/pkg/gateway/live/session"
)

var _ session.Metrics = (*Metrics)(nil)

func TestMetrics_SessionMetricsRecorded(t *testing.T) {
	m := New()
	m.FrameDropped(session.DropNotReady)
	m.FrameDropped(session.DropNotReady)
	m.StaleFrameDropped()
	m.Interrupted()
	m.TurnFinished("answer", "completed", 1500*time.Millisecond)
	m.ProviderError("deepgram")
	m.AudioBytes("in", 3200)
	m.AudioBytes("in", 0)
	m.SetSessions(3)

	if got := testutil.ToFloat64(m.FramesDropped.WithLabelValues(session.DropNotReady)); got != 2 {
		t.Fatalf("dropped=%v, want 2", got)
	}
	if got := testutil.ToFloat64(m.StaleFrames); got != 1 {
		t.Fatalf("stale=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TurnsTotal.WithLabelValues("answer", "completed")); got != 1 {
		t.Fatalf("turns=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AudioBytesTotal.WithLabelValues("in")); got != 3200 {
		t.Fatalf("audio bytes=%v, want 3200", got)
	}
	if got := testutil.ToFloat64(m.SessionsActive); got != 3 {
		t.Fatalf("sessions=%v, want 3", got)
	}
}

func TestMetrics_HandlerServesPrivateRegistry(t *testing.T) {
	m := New()
	m.Interrupted()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "vai_voice_interrupts_total 1") {
		t.Fatalf("metrics output missing interrupts counter:\n%s", body)
	}
}

func TestMetrics_InboundLevel(t *testing.T) {
	m := New()
	m.InboundLevel(0.02, 0.5)
	m.InboundLevel(0.2, 1)

	if n := testutil.CollectAndCount(m.InboundLevels); n != 2 {
		t.Fatalf("series=%d, want rms and peak", n)
	}
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`vai_voice_inbound_audio_level_count{measure="rms"} 2`,
		`vai_voice_inbound_audio_level_bucket{measure="peak",le="0.6"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %s:\n%s", want, body)
		}
	}
}
