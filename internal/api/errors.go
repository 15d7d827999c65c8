package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/tsctl/tsctl/internal/ledger"
	"github.com/tsctl/tsctl/internal/mirror"
	"github.com/tsctl/tsctl/internal/transport"
)

func writeInvalidArgument(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", message)
}

// writeEngineError maps reconciler errors to HTTP response codes.
func writeEngineError(w http.ResponseWriter, err error) {
	var invariant *ledger.InvariantError
	var status *transport.StatusError
	var rate *transport.RateLimitError
	switch {
	case errors.Is(err, mirror.ErrNotFound):
		WriteError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.As(err, &invariant):
		WriteError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.As(err, &status), errors.As(err, &rate):
		WriteError(w, http.StatusBadGateway, "UPSTREAM", err.Error())
	case errors.Is(err, context.Canceled):
		WriteError(w, http.StatusInternalServerError, "CANCELED", err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

// decodeBody decodes a JSON request body into dst, translating size-limit
// and syntax failures to 4xx responses. Returns false when a response was
// already written.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		writeInvalidArgument(w, "request body is required")
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			WriteError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body too large")
			return false
		}
		writeInvalidArgument(w, "failed to read body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeInvalidArgument(w, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
