// Package api exposes the HTTP boundary of the gateway: REST endpoints
// for messaging, calls, provisioning and setup, a server-sent event
// stream and the Prometheus scrape endpoint.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/commgate/commgate/internal/calls"
	"github.com/commgate/commgate/internal/database"
	"github.com/commgate/commgate/internal/pbx"
	"github.com/commgate/commgate/internal/sms"
)

// envelope is the uniform response shape. Success responses embed their
// payload fields next to "success": true; error responses carry "error"
// and optionally "details".
type envelope map[string]any

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// writeSuccess writes a success envelope, merging extra payload fields.
func writeSuccess(w http.ResponseWriter, status int, fields envelope) {
	body := envelope{"success": true}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, status, body)
}

// writeError writes an error envelope with the given status.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{"success": false, "error": message})
}

// writeErrorDetails writes an error envelope with a details field.
func writeErrorDetails(w http.ResponseWriter, status int, message string, details any) {
	writeJSON(w, status, envelope{"success": false, "error": message, "details": details})
}

// writeDomainError maps a domain error to an HTTP status. Compliance
// rejections are client errors, never 5xx; backend unavailability maps
// to 503 so callers can retry.
func writeDomainError(w http.ResponseWriter, err error) {
	var policyErr *sms.PolicyError
	if errors.As(err, &policyErr) {
		if len(policyErr.Warnings) > 0 {
			writeErrorDetails(w, http.StatusUnprocessableEntity, policyErr.Reason,
				envelope{"warnings": policyErr.Warnings})
			return
		}
		writeError(w, http.StatusUnprocessableEntity, policyErr.Reason)
		return
	}

	switch {
	case errors.Is(err, calls.ErrChannelNotFound):
		writeError(w, http.StatusNotFound, "channel-not-found")
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, database.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, sms.ErrNoProvider),
		errors.Is(err, calls.ErrUnavailable),
		errors.Is(err, pbx.ErrNotAuthenticated),
		errors.Is(err, pbx.ErrDisconnected):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, pbx.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// readJSON decodes a request body into dst, limited to 1 MiB.
func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
