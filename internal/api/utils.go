package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jbweber/homelab/vmx/internal/domain"
	"github.com/jbweber/homelab/vmx/internal/repository"
)

// Error codes returned in ErrorResponse.Code
const (
	CodeNotFound        = "NOT_FOUND"
	CodeAlreadyRunning  = "VM_ALREADY_RUNNING"
	CodeRemoveRunning   = "REMOVE_RUNNING_VM_ERROR"
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeParseBody       = "PARSE_BODY_ERROR"
	CodeDuplicate       = "DUPLICATE"
	CodeAlreadyPulled   = "ALREADY_PULLED"
	CodeStopFailed      = "STOP_COMMAND_ERROR"
	CodeRegistry        = "REGISTRY_ERROR"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeInternal        = "INTERNAL_ERROR"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// errorStatus maps an error to its HTTP status and code
func errorStatus(err error) (int, string) {
	var registryErr *domain.RegistryError
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, domain.ErrAlreadyRunning):
		return http.StatusBadRequest, CodeAlreadyRunning
	case errors.Is(err, domain.ErrRemoveRunningVM):
		return http.StatusBadRequest, CodeRemoveRunning
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, repository.ErrInvalidEntity):
		return http.StatusBadRequest, CodeInvalidArgument
	case errors.Is(err, repository.ErrDuplicate):
		return http.StatusConflict, CodeDuplicate
	case errors.Is(err, domain.ErrAlreadyPulled):
		return http.StatusConflict, CodeAlreadyPulled
	case errors.Is(err, domain.ErrStopFailed):
		return http.StatusInternalServerError, CodeStopFailed
	case errors.As(err, &registryErr):
		return http.StatusBadGateway, CodeRegistry
	}
	return http.StatusInternalServerError, CodeInternal
}

func writeJSON(w http.ResponseWriter, logger zerolog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("code", code).Msg("request failed")
	}
	writeJSON(w, logger, status, ErrorResponse{Error: err.Error(), Code: code})
}

// decodeJSON reads the request body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func writeParseError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	writeJSON(w, logger, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: CodeParseBody})
}

// bearerAuth rejects requests that do not carry "Authorization: Bearer <token>".
// An empty token disables the check.
func bearerAuth(token string, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="vmx"`)
				writeJSON(w, logger, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized", Code: CodeUnauthorized})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
