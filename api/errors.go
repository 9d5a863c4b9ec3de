package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/warp/rewards-engine/logger"
	"github.com/warp/rewards-engine/points"
)

// statusClientClosedRequest is the nginx convention for a client that
// disconnected before the response was written.
const statusClientClosedRequest = 499

// statusFor maps an engine error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, points.ErrConsistency):
		return http.StatusInternalServerError
	case errors.Is(err, points.ErrRedemptionFailed), errors.Is(err, points.ErrTransient):
		return http.StatusServiceUnavailable
	case errors.Is(err, points.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, points.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, points.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, points.ErrOutOfStock), errors.Is(err, points.ErrDuplicateIdempotencyKey):
		return http.StatusConflict
	case errors.Is(err, points.ErrInactiveBenefit):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeEngineError writes {error: kind, details} for err. Internal errors
// are logged and their details withheld. A client that hung up is only
// worth a debug line.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: points.ErrorKind(err), Details: err.Error()}
	switch status {
	case statusClientClosedRequest:
		logger.Get().DebugContext(r.Context(), "request canceled by client",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
		)
	case http.StatusInternalServerError:
		logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		resp.Details = "internal error; see server logs with request id " + middleware.GetReqID(r.Context())
	}
	writeJSON(w, status, resp)
}

// writeError writes an error that did not come from the engine.
func writeError(w http.ResponseWriter, status int, kind string, err error) {
	resp := ErrorResponse{Error: kind}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
