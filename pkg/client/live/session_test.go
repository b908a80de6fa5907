package live

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-interview/pkg/core"
	"github.com/vango-go/vai-interview/pkg/gateway/live/protocol"
)

// fakeGateway accepts one session_start per connection, replies with ack and
// then runs script. Frames the client sends afterwards are recorded.
type fakeGateway struct {
	ack    func(protocol.ClientSessionStart) protocol.ServerSessionInitialized
	script func(conn *websocket.Conn)

	mu       sync.Mutex
	starts   []protocol.ClientSessionStart
	received []string
	binary   int
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/voice" {
		http.NotFound(w, r)
		return
	}
	conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var start protocol.ClientSessionStart
	if err := conn.ReadJSON(&start); err != nil {
		return
	}
	g.mu.Lock()
	g.starts = append(g.starts, start)
	g.mu.Unlock()

	if err := conn.WriteJSON(g.ack(start)); err != nil {
		return
	}
	if g.script != nil {
		g.script(conn)
	}
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		g.mu.Lock()
		if typ == websocket.BinaryMessage {
			g.binary += len(data)
		} else {
			var env struct {
				Type string `json:"type"`
			}
			_ = json.Unmarshal(data, &env)
			g.received = append(g.received, env.Type)
		}
		g.mu.Unlock()
	}
}

func (g *fakeGateway) snapshot() ([]string, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.received...), g.binary
}

func okAck(protocol.ClientSessionStart) protocol.ServerSessionInitialized {
	return protocol.SessionInitializedOK("s_1", protocol.PCM16Mono(16000), protocol.PCM16Mono(24000))
}

func TestDial_HandshakeAndEvents(t *testing.T) {
	g := &fakeGateway{
		ack: okAck,
		script: func(conn *websocket.Conn) {
			_ = conn.WriteJSON(protocol.ServerState{Type: protocol.TypeState, State: "SPEAKING"})
			_ = conn.WriteJSON(protocol.ServerAIText{Type: protocol.TypeAIText, Text: "Hello."})
			_ = conn.WriteMessage(websocket.BinaryMessage, make([]byte, 480))
			_ = conn.WriteJSON(protocol.ServerAIAudioEnd{Type: protocol.TypeAIAudioEnd})
			_ = conn.WriteJSON(protocol.ServerWarning{Type: protocol.TypeWarning, Code: "rate_limited", Message: "slow down"})
			_ = conn.WriteJSON(map[string]string{"type": "future_event"})
		},
	}
	srv := httptest.NewServer(g)
	defer srv.Close()

	s, err := Dial(context.Background(), Options{URL: srv.URL, Token: "tok", InterviewID: " iv_1 "})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "s_1", s.ID)
	assert.Equal(t, 16000, s.AudioIn.SampleRateHz)
	assert.Equal(t, 24000, s.AudioOut.SampleRateHz)

	var got []Event
	for len(got) < 6 {
		select {
		case ev := <-s.Events():
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("events so far: %#v", got)
		}
	}
	assert.Equal(t, StateEvent{State: "SPEAKING"}, got[0])
	assert.Equal(t, TextEvent{Text: "Hello."}, got[1])
	assert.Len(t, got[2].(AudioEvent).PCM, 480)
	assert.Equal(t, AudioEndEvent{}, got[3])
	assert.Equal(t, WarningEvent{Code: "rate_limited", Message: "slow down"}, got[4])
	assert.Equal(t, "future_event", got[5].(UnknownEvent).Type)

	g.mu.Lock()
	start := g.starts[0]
	g.mu.Unlock()
	assert.Equal(t, "iv_1", start.InterviewID)
	assert.Equal(t, 16000, start.SampleRate)
}

func TestDial_RejectedStart(t *testing.T) {
	g := &fakeGateway{ack: func(protocol.ClientSessionStart) protocol.ServerSessionInitialized {
		return protocol.SessionInitializedError(protocol.CodeInvalidInterview, "interview is COMPLETED")
	}}
	srv := httptest.NewServer(g)
	defer srv.Close()

	_, err := Dial(context.Background(), Options{URL: srv.URL, InterviewID: "iv_done"})
	require.Error(t, err)
	assert.True(t, core.IsType(err, core.ErrInvalidInterview))
	var ce *core.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, protocol.CodeInvalidInterview, ce.Code)
}

func TestDial_ValidatesBeforeConnecting(t *testing.T) {
	_, err := Dial(context.Background(), Options{URL: "http://127.0.0.1:1", InterviewID: ""})
	require.Error(t, err)
	assert.True(t, core.IsType(err, core.ErrInvalidRequest))

	_, err = Dial(context.Background(), Options{URL: "http://127.0.0.1:1", InterviewID: "iv", SampleRate: 96000})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sample_rate")
}

func TestSession_ClientMessages(t *testing.T) {
	g := &fakeGateway{ack: okAck}
	srv := httptest.NewServer(g)
	defer srv.Close()

	s, err := Dial(context.Background(), Options{URL: srv.URL, InterviewID: "iv_1"})
	require.NoError(t, err)

	require.NoError(t, s.SendAudio(make([]byte, 640)))
	require.NoError(t, s.Interrupt())
	require.NoError(t, s.PlaybackComplete())
	require.NoError(t, s.End())

	require.Eventually(t, func() bool {
		types, n := g.snapshot()
		return len(types) == 3 && n == 640
	}, 2*time.Second, 5*time.Millisecond)
	types, _ := g.snapshot()
	assert.Equal(t, []string{protocol.TypeInterrupt, protocol.TypePlaybackComplete, protocol.TypeSessionEnd}, types)

	require.NoError(t, s.Close())
	assert.NoError(t, s.Err())
	assert.ErrorIs(t, s.SendAudio([]byte{0, 0}), ErrClosed)
}

func TestSession_ServerDropIsTransportError(t *testing.T) {
	g := &fakeGateway{ack: okAck, script: func(conn *websocket.Conn) {
		_ = conn.UnderlyingConn().Close()
	}}
	srv := httptest.NewServer(g)
	defer srv.Close()

	s, err := Dial(context.Background(), Options{URL: srv.URL, InterviewID: "iv_1"})
	require.NoError(t, err)
	defer s.Close()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("read loop did not stop")
	}
	assert.True(t, core.IsType(s.Err(), core.ErrTransportDropped))
}

func TestVoiceURL(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "http://localhost:8080", want: "ws://localhost:8080/v1/voice"},
		{in: "https://voice.example.com/", want: "wss://voice.example.com/v1/voice"},
		{in: "wss://voice.example.com/v1/voice", want: "wss://voice.example.com/v1/voice"},
		{in: "ws://gw/prefix", want: "ws://gw/prefix/v1/voice"},
		{in: "ftp://gw", wantErr: true},
		{in: "", wantErr: true},
		{in: "http://", wantErr: true},
	}
	for _, tc := range tests {
		got, err := VoiceURL(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
		assert.True(t, strings.HasSuffix(got, "/v1/voice"))
	}
}
