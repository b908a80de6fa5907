package stt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeDeepgram struct {
	t        *testing.T
	srv      *httptest.Server
	requests chan *http.Request
	texts    chan string
	binary   chan []byte
	script   func(conn *websocket.Conn)
}

func newFakeDeepgram(t *testing.T, script func(conn *websocket.Conn)) *fakeDeepgram {
	t.Helper()
	f := &fakeDeepgram{
		t:        t,
		requests: make(chan *http.Request, 1),
		texts:    make(chan string, 16),
		binary:   make(chan []byte, 16),
		script:   script,
	}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.requests <- r
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if f.script != nil {
			go f.script(conn)
		}
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.TextMessage {
				f.texts <- string(data)
			} else {
				f.binary <- data
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeDeepgram) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/listen"
}

func recvDelta(t *testing.T, ch <-chan TranscriptDelta) TranscriptDelta {
	t.Helper()
	select {
	case d, ok := <-ch:
		if !ok {
			t.Fatalf("transcripts closed early")
		}
		return d
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for transcript")
	}
	return TranscriptDelta{}
}

func TestDeepgram_DialsWithQueryAndToken(t *testing.T) {
	f := newFakeDeepgram(t, nil)
	p := NewDeepgram("dg-key", WithDeepgramURL(f.url()), WithKeepAlive(0))

	s, err := p.NewStream(context.Background(), StreamOptions{SampleRate: 24000})
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	defer s.Close()

	r := <-f.requests
	if got := r.Header.Get("Authorization"); got != "Token dg-key" {
		t.Fatalf("Authorization=%q, want %q", got, "Token dg-key")
	}
	q := r.URL.Query()
	want := map[string]string{
		"model":        "nova-2",
		"language":     "en-US",
		"smart_format": "true",
		"endpointing":  "300",
		"encoding":     "linear16",
		"sample_rate":  "24000",
		"channels":     "1",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Fatalf("query %s=%q, want %q", k, got, v)
		}
	}
}

func TestDeepgram_ForwardsAudioAndMapsResults(t *testing.T) {
	f := newFakeDeepgram(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Metadata","request_id":"r1"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hello"}]}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":true,"speech_final":true,"start":0.5,"duration":1.25,"channel":{"alternatives":[{"transcript":" hello there "}]}}`))
	})
	p := NewDeepgram("k", WithDeepgramURL(f.url()), WithKeepAlive(0))

	s, err := p.NewStream(context.Background(), StreamOptions{})
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	defer s.Close()

	if err := s.SendAudio([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	select {
	case got := <-f.binary:
		if len(got) != 4 {
			t.Fatalf("server got %d bytes, want 4", len(got))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server never received audio")
	}

	partial := recvDelta(t, s.Transcripts())
	if partial.Text != "hello" || partial.IsFinal {
		t.Fatalf("partial=%+v", partial)
	}
	final := recvDelta(t, s.Transcripts())
	if final.Text != "hello there" || !final.IsFinal || !final.SpeechFinal {
		t.Fatalf("final=%+v", final)
	}
	if final.Start != 0.5 || final.Duration != 1.25 {
		t.Fatalf("timing=%v/%v, want 0.5/1.25", final.Start, final.Duration)
	}
}

func TestDeepgram_CloseSendsCloseStream(t *testing.T) {
	f := newFakeDeepgram(t, nil)
	p := NewDeepgram("k", WithDeepgramURL(f.url()), WithKeepAlive(0))

	s, err := p.NewStream(context.Background(), StreamOptions{})
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case msg := <-f.texts:
		if !strings.Contains(msg, "CloseStream") {
			t.Fatalf("first text message=%q, want CloseStream", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("CloseStream never sent")
	}
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("Done not closed after Close")
	}
	if err := s.SendAudio([]byte{0, 0}); err == nil {
		t.Fatalf("SendAudio after Close returned nil error")
	}
}

func TestDeepgram_KeepAliveWhenIdle(t *testing.T) {
	f := newFakeDeepgram(t, nil)
	p := NewDeepgram("k", WithDeepgramURL(f.url()), WithKeepAlive(20*time.Millisecond))

	s, err := p.NewStream(context.Background(), StreamOptions{})
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	defer s.Close()

	select {
	case msg := <-f.texts:
		if !strings.Contains(msg, "KeepAlive") {
			t.Fatalf("text message=%q, want KeepAlive", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("KeepAlive never sent")
	}
}

func TestDeepgram_ErrorMessageEndsStream(t *testing.T) {
	f := newFakeDeepgram(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Error","description":"bad audio"}`))
	})
	p := NewDeepgram("k", WithDeepgramURL(f.url()), WithKeepAlive(0))

	s, err := p.NewStream(context.Background(), StreamOptions{})
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	defer s.Close()

	select {
	case _, ok := <-s.Transcripts():
		if ok {
			t.Fatalf("unexpected transcript after Error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("transcripts not closed after Error")
	}
	if s.Err() == nil || !strings.Contains(s.Err().Error(), "bad audio") {
		t.Fatalf("Err()=%v, want bad audio", s.Err())
	}
}

func TestDeepgram_ContextCancelClosesStream(t *testing.T) {
	f := newFakeDeepgram(t, nil)
	p := NewDeepgram("k", WithDeepgramURL(f.url()), WithKeepAlive(0))

	ctx, cancel := context.WithCancel(context.Background())
	s, err := p.NewStream(ctx, StreamOptions{})
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	cancel()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("Done not closed after context cancel")
	}
	if s.Err() != nil {
		t.Fatalf("Err()=%v after cancel, want nil", s.Err())
	}
}

func TestDeepgram_RequiresAPIKey(t *testing.T) {
	p := NewDeepgram("  ")
	if _, err := p.NewStream(context.Background(), StreamOptions{}); err == nil {
		t.Fatalf("NewStream without key returned nil error")
	}
	if p.Name() != "deepgram" {
		t.Fatalf("Name()=%q, want deepgram", p.Name())
	}
}
