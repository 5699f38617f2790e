package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/errs"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/logfields"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/middleware"
)

var (
	// ErrRepositoryNameRequired is returned when a request names no repository
	ErrRepositoryNameRequired = errors.New("repository name is required")

	// ErrInvalidBody is returned when a request body cannot be decoded
	ErrInvalidBody = errors.New("invalid request body")
)

// ErrorResponse is the JSON body of every failed API call.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindConflict:
		return http.StatusConflict
	case errs.KindBusy:
		return http.StatusLocked
	case errs.KindForbidden:
		return http.StatusForbidden
	case errs.KindInvalidCredentials:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// writeError answers with the status for err's kind. Internal failures are
// logged and their detail withheld.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	kind := errs.Classify(err)
	status := statusFor(kind)
	msg := err.Error()
	switch status {
	case http.StatusLocked:
		w.Header().Set("Retry-After", middleware.RetryAfterBusy)
	case http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", `Basic realm="`+middleware.Realm+`"`)
		msg = errs.ErrInvalidCredentials.Error()
	case http.StatusInternalServerError:
		logger.Error("Request failed", slog.String("method", r.Method), logfields.Path(r.URL.Path), logfields.Error(err))
		msg = "internal error"
	}
	writeJSON(w, status, ErrorResponse{Error: msg, Kind: kind.String()})
}

func badRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: "bad_request"})
}

// deny answers 401 with a challenge for anonymous callers and 403 otherwise.
func deny(w http.ResponseWriter, r *http.Request) {
	if middleware.PrincipalFromContext(r.Context()).IsAnonymous() {
		middleware.Challenge(w)
		return
	}
	writeJSON(w, http.StatusForbidden, ErrorResponse{Error: errs.ErrForbidden.Error(), Kind: errs.KindForbidden.String()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(ErrInvalidBody, err)
	}
	return nil
}
