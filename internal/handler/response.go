// Package handler provides the HTTP surface of the compensation engine.
package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"mlmengine/pkg/errors"
	"mlmengine/pkg/logger"
)

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondValidationErrors(w http.ResponseWriter, errs map[string]string) {
	respondJSON(w, http.StatusBadRequest, map[string]interface{}{
		"error":             "Validation failed",
		"validation_errors": errs,
	})
}

// decodeJSON reads a bounded JSON body into dst and writes the 400 itself
// when the body is unusable.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			respondError(w, http.StatusBadRequest, "Request body is required")
			return false
		}
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// statusFor maps engine errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errors.ErrMemberNotFound),
		errors.Is(err, errors.ErrSponsorNotFound),
		errors.Is(err, errors.ErrCommissionNotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrPlacementBlocked),
		errors.Is(err, errors.ErrTreeFull),
		errors.Is(err, errors.ErrSlotOccupied),
		errors.Is(err, errors.ErrInvalidPlacement),
		errors.Is(err, errors.ErrRootExists),
		errors.Is(err, errors.ErrDuplicateEvent),
		errors.Is(err, errors.ErrDuplicateCommission),
		errors.Is(err, errors.ErrPeriodClosed),
		errors.Is(err, errors.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, errors.ErrInvalidVolume),
		errors.Is(err, errors.ErrInvalidPeriod),
		errors.Is(err, errors.ErrEventMalformed):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrEngineStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// respondEngineError writes err with its mapped status. Server-side failures
// are logged and their details withheld from the client.
func respondEngineError(w http.ResponseWriter, log logger.Logger, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		log.Error(msg, map[string]interface{}{"error": err.Error()})
		respondError(w, status, msg)
		return
	}
	respondError(w, status, err.Error())
}
