package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vango-go/vai-interview/pkg/core/audio"
)

// Client → server message types.
const (
	TypeSessionStart     = "session_start"
	TypeAudioChunk       = "audio_chunk"
	TypeInterrupt        = "interrupt"
	TypePlaybackComplete = "playback_complete"
	TypeSessionEnd       = "session_end"
)

// Server → client message types. ai_audio itself travels as a binary frame.
const (
	TypeSessionInitialized     = "session_initialized"
	TypeAIText                 = "ai_text"
	TypeAIAudio                = "ai_audio"
	TypeAIAudioEnd             = "ai_audio_end"
	TypeLocalSynthesisFallback = "local_synthesis_fallback"
	TypeError                  = "error"
	TypeWarning                = "warning"
	TypeState                  = "state"
	TypeTranscript             = "transcript"
)

const (
	StatusOK    = "OK"
	StatusError = "ERROR"
)

// Error codes carried in session_initialized and error messages.
const (
	CodeBadRequest       = "bad_request"
	CodeUnsupported      = "unsupported"
	CodeUnauthenticated  = "unauthenticated"
	CodeInvalidInterview = "invalid_interview"
	CodeSessionExists    = "session_exists"
	CodeNoSession        = "no_session"
	CodeDraining         = "draining"
	CodeRateLimited      = "rate_limited"
	CodeInternal         = "internal"
)

const EncodingPCM16LE = "pcm_s16le"

type DecodeError struct {
	Code    string
	Message string
	Param   string
	// MessageType is the frame's type when it could be read.
	MessageType string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: CodeBadRequest, Message: message, Param: param}
}

// AudioFormat describes negotiated live audio shape.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

// PCM16Mono returns the only audio shape the gateway speaks.
func PCM16Mono(rate int) AudioFormat {
	return AudioFormat{Encoding: EncodingPCM16LE, SampleRateHz: rate, Channels: 1}
}

type ClientSessionStart struct {
	Type        string `json:"type"`
	Token       string `json:"token"`
	InterviewID string `json:"interview_id"`
	SampleRate  int    `json:"sample_rate,omitempty"`
}

// RedactedForLog drops the bearer token.
func (m ClientSessionStart) RedactedForLog() map[string]any {
	return map[string]any{
		"type":         m.Type,
		"interview_id": m.InterviewID,
		"sample_rate":  m.SampleRate,
		"has_token":    strings.TrimSpace(m.Token) != "",
	}
}

// ClientAudioChunk is the JSON form of an audio frame. Data holds the decoded PCM.
type ClientAudioChunk struct {
	Type    string `json:"type"`
	DataB64 string `json:"data_b64"`
	Data    []byte `json:"-"`
}

type ClientInterrupt struct {
	Type string `json:"type"`
}

type ClientPlaybackComplete struct {
	Type string `json:"type"`
}

type ClientSessionEnd struct {
	Type string `json:"type"`
}

// DecodeClientMessage decodes one JSON text frame into its typed message.
// session_start.sample_rate defaults to audio.DefaultSampleRate when omitted.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	msg, err := decodeTyped(typ, data)
	if err != nil {
		err.MessageType = typ
		return nil, err
	}
	return msg, nil
}

func decodeTyped(typ string, data []byte) (any, *DecodeError) {
	switch typ {
	case TypeSessionStart:
		var msg ClientSessionStart
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid session_start frame", "")
		}
		msg.Token = strings.TrimSpace(msg.Token)
		msg.InterviewID = strings.TrimSpace(msg.InterviewID)
		if msg.SampleRate == 0 {
			msg.SampleRate = audio.DefaultSampleRate
		}
		if err := validateSessionStart(msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_chunk", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("audio_chunk.data_b64 is required", "data_b64")
		}
		pcm, err := base64.StdEncoding.DecodeString(msg.DataB64)
		if err != nil {
			return nil, badRequest("audio_chunk.data_b64 is not valid base64", "data_b64")
		}
		msg.Data = pcm
		return msg, nil
	case TypeInterrupt:
		return ClientInterrupt{Type: typ}, nil
	case TypePlaybackComplete:
		return ClientPlaybackComplete{Type: typ}, nil
	case TypeSessionEnd:
		return ClientSessionEnd{Type: typ}, nil
	default:
		return nil, &DecodeError{Code: CodeUnsupported, Message: "unsupported message type", Param: "type"}
	}
}

// ValidateSessionStart checks shape only; token and interview checks belong to the collaborators.
func ValidateSessionStart(msg ClientSessionStart) error {
	if err := validateSessionStart(msg); err != nil {
		return err
	}
	return nil
}

func validateSessionStart(msg ClientSessionStart) *DecodeError {
	if msg.InterviewID == "" {
		return badRequest("session_start.interview_id is required", "interview_id")
	}
	if !audio.ValidSampleRate(msg.SampleRate) {
		return badRequest(
			fmt.Sprintf("session_start.sample_rate must be between %d and %d", audio.MinSampleRate, audio.MaxSampleRate),
			"sample_rate",
		)
	}
	return nil
}

type ServerSessionInitialized struct {
	Type      string       `json:"type"`
	Status    string       `json:"status"`
	SessionID string       `json:"session_id,omitempty"`
	AudioIn   *AudioFormat `json:"audio_in,omitempty"`
	AudioOut  *AudioFormat `json:"audio_out,omitempty"`
	Code      string       `json:"code,omitempty"`
	Message   string       `json:"message,omitempty"`
}

// SessionInitializedOK builds the success acknowledgment.
func SessionInitializedOK(sessionID string, in, out AudioFormat) ServerSessionInitialized {
	return ServerSessionInitialized{
		Type:      TypeSessionInitialized,
		Status:    StatusOK,
		SessionID: sessionID,
		AudioIn:   &in,
		AudioOut:  &out,
	}
}

// SessionInitializedError builds the failure acknowledgment.
func SessionInitializedError(code, message string) ServerSessionInitialized {
	return ServerSessionInitialized{
		Type:    TypeSessionInitialized,
		Status:  StatusError,
		Code:    code,
		Message: message,
	}
}

type ServerAIText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ServerAIAudioEnd struct {
	Type string `json:"type"`
}

type ServerLocalSynthesisFallback struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ServerWarning struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ServerState struct {
	Type  string `json:"type"`
	State string `json:"state"`
}

type ServerTranscript struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}
