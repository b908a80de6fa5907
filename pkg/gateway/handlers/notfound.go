package handlers

import (
	"net/http"

	"github.com/vango-go/vai-interview/pkg/core"
	"github.com/vango-go/vai-interview/pkg/gateway/mw"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	mw.WriteJSONError(w, http.StatusNotFound, &core.Error{
		Type:      core.ErrInvalidRequest,
		Message:   "not found",
		Code:      "not_found",
		RequestID: reqID,
	})
}
