// SPDX-License-Identifier: MIT

// Package api exposes the HTTP surface: the messaging-platform ingress, the
// public script view, feedback intake and the admin endpoints.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"reelscribe/internal/apperr"
	"reelscribe/internal/log"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		base := log.Base()
		base.Debug().Err(err).Msg("response encode failed")
	}
}

// writeError maps a typed error to its HTTP shape. Internals are masked.
func writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	body := map[string]any{
		"status": "error",
		"error":  string(apperr.ClassOf(err)),
	}
	switch apperr.ClassOf(err) {
	case apperr.ClassInternal:
		body["message"] = "internal error"
	default:
		body["message"] = userMessage(err)
	}
	if retry, ok := apperr.RetryAfterOf(err); ok && retry > 0 {
		secs := int(retry.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		body["retryAfter"] = secs
	}
	writeJSON(w, status, body)
}

func decodeJSON(r *http.Request, out any) error {
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxIngressBody)).Decode(out); err != nil {
		return apperr.Validationf("invalid JSON body")
	}
	return nil
}

func userMessage(err error) string {
	var e *apperr.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "request failed"
}
