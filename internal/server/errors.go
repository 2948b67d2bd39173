package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MrWong99/avatarcast/internal/avatar"
	"github.com/MrWong99/avatarcast/internal/translation"
	"github.com/MrWong99/avatarcast/pkg/types"
)

// statusOf maps an error kind onto an HTTP status.
func statusOf(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrInvalidInput), errors.Is(err, types.ErrProviderCanceled):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrAtCapacity):
		return http.StatusServiceUnavailable
	case errors.Is(err, avatar.ErrSuperseded), errors.Is(err, translation.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, types.ErrProviderUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// detailOf is the message shown to callers. Provider cancellations carry
// the provider's own text.
func detailOf(err error) string {
	var ce *types.CanceledError
	if errors.As(err, &ce) {
		return ce.Detail
	}
	return err.Error()
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), errorBody{Error: detailOf(err)})
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func writeTextError(w http.ResponseWriter, err error) {
	writeText(w, statusOf(err), detailOf(err))
}
