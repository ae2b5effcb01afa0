package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"regent/internal/master/coordinator"
	"regent/internal/master/runner"
	"regent/pkg/artifact"
	"regent/pkg/store"
)

// ErrorBody 统一的错误响应
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusFor 把领域错误映射为 HTTP 状态码和错误码
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, runner.ErrNotLeader),
		errors.Is(err, runner.ErrLeadershipRevoked):
		return http.StatusServiceUnavailable, "NOT_LEADER"
	case errors.Is(err, runner.ErrRunnerClosed),
		errors.Is(err, coordinator.ErrCoordinatorStopped),
		errors.Is(err, coordinator.ErrFenced):
		return http.StatusServiceUnavailable, "UNAVAILABLE"
	case errors.Is(err, coordinator.ErrInvalidJob),
		errors.Is(err, artifact.ErrInvalidKey):
		return http.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, coordinator.ErrDuplicateJob):
		return http.StatusConflict, "ALREADY_EXISTS"
	case errors.Is(err, coordinator.ErrJobNotFound),
		errors.Is(err, store.ErrLogNotFound),
		errors.Is(err, artifact.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, errResultPending):
		return http.StatusAccepted, "PENDING"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{Code: code, Message: msg}})
}
