package handler

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"accounts-service/internal/apperr"
	"accounts-service/internal/service"
	"accounts-service/internal/util"
)

const (
	unauthenticated = "UNAUTHENTICATED"
	internalError   = "服务器内部错误，请稍后重试"
	invalidBody     = "请求格式错误"
)

type okResponse struct {
	OK       bool   `json:"ok"`
	Redirect string `json:"redirect,omitempty"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondWithJSON(logger *zap.Logger, w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError maps err to a status and writes its client-safe reason.
// Errors without a reason are logged in full and answered generically.
func respondWithError(logger *zap.Logger, w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	reason := apperr.ReasonOf(err)
	kind := apperr.KindOf(err)

	switch {
	case errors.Is(err, service.ErrUnauthenticated):
		reason = unauthenticated
	case reason == "", kind == apperr.KindConfig, kind == apperr.KindProvider:
		reason = internalError
	}

	if wait := apperr.RetryAfterOf(err); wait > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
	}

	fields := []zap.Field{
		util.String("method", r.Method),
		util.String("path", r.URL.Path),
		util.Int("status", status),
		util.ErrorField(err),
	}
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", fields...)
	} else {
		logger.Debug("Request rejected", fields...)
	}

	respondWithJSON(logger, w, status, errorResponse{Error: reason})
}

func statusFor(err error) int {
	if errors.Is(err, service.ErrUnauthenticated) {
		return http.StatusUnauthorized
	}
	switch apperr.KindOf(err) {
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	case apperr.KindValidation,
		apperr.KindInvalidCode,
		apperr.KindCodeExpired,
		apperr.KindCodeNotFound,
		apperr.KindLocked,
		apperr.KindVerificationFailed:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	if err := dec.Decode(dst); err != nil {
		return apperr.Wrap(apperr.KindValidation, invalidBody, err)
	}
	return nil
}
