package apierror

import (
	"context"
	"errors"
	"net/http"

	"github.com/vango-go/vai-interview/pkg/core"
	"github.com/vango-go/vai-interview/pkg/gateway/live/protocol"
)

type Envelope struct {
	Error *core.Error `json:"error"`
}

// FromError canonicalizes err for a client. Unknown errors become an opaque
// internal error; their details stay in the logs.
func FromError(err error, requestID string) (*core.Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &core.Error{
			Type:      core.ErrAPI,
			Message:   "request timeout",
			Code:      "timeout",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &core.Error{
			Type:      core.ErrAPI,
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	var coreErr *core.Error
	if errors.As(err, &coreErr) && coreErr != nil {
		out := *coreErr
		out.RequestID = requestID
		return &out, statusFromType(coreErr.Type)
	}

	var decodeErr *protocol.DecodeError
	if errors.As(err, &decodeErr) && decodeErr != nil {
		return &core.Error{
			Type:      core.ErrInvalidRequest,
			Message:   decodeErr.Message,
			Param:     decodeErr.Param,
			Code:      decodeErr.Code,
			RequestID: requestID,
		}, http.StatusBadRequest
	}

	return &core.Error{
		Type:      core.ErrAPI,
		Message:   "internal error",
		Code:      "internal",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

// ProtocolCode maps err onto a live protocol error code.
func ProtocolCode(err error) string {
	var decodeErr *protocol.DecodeError
	if errors.As(err, &decodeErr) && decodeErr != nil && decodeErr.Code != "" {
		return decodeErr.Code
	}
	var coreErr *core.Error
	if !errors.As(err, &coreErr) || coreErr == nil {
		return protocol.CodeInternal
	}
	switch coreErr.Type {
	case core.ErrInvalidRequest:
		return protocol.CodeBadRequest
	case core.ErrUnauthenticated:
		return protocol.CodeUnauthenticated
	case core.ErrInvalidInterview:
		return protocol.CodeInvalidInterview
	case core.ErrOverloaded:
		return protocol.CodeRateLimited
	default:
		return protocol.CodeInternal
	}
}

func statusFromType(t core.ErrorType) int {
	switch t {
	case core.ErrInvalidRequest:
		return http.StatusBadRequest
	case core.ErrUnauthenticated:
		return http.StatusUnauthorized
	case core.ErrInvalidInterview:
		return http.StatusNotFound
	case core.ErrOverloaded:
		return http.StatusTooManyRequests
	case core.ErrProviderUnavailable:
		return http.StatusBadGateway
	case core.ErrTransportDropped:
		return http.StatusBadGateway
	case core.ErrAPI:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
