// Package api implements the public HTTP surface of the control plane:
// query submission, single-job dispatch, deposits and balances, agent
// CRUD, and the observability endpoints. Chi is the router; every
// response is JSON with the shapes fixed by the wire contract, so there
// is no generic envelope beyond the error object.
package api

import (
	"encoding/json"
	"net/http"
)

// JSON writes payload with the given status code. Content-Type is always
// application/json.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// errBody is the minimal error shape: {"error": "..."}. Handlers that
// owe the client more detail (402) build their own body instead.
type errBody struct {
	Error string `json:"error"`
}

// ErrJSON writes {"error": message} with the given status.
func ErrJSON(w http.ResponseWriter, status int, message string) {
	JSON(w, status, errBody{Error: message})
}

// decodeJSON decodes the request body into dst, rejecting unknown fields
// and bodies over 1 MB. On failure it writes the 400 and reports false so
// handlers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		ErrJSON(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
