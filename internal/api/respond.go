package api

import (
	"encoding/json"
	"net/http"

	"github.com/tinywideclouds/go-push-relay/pkg/push"
)

type errorBody struct {
	Status string       `json:"status"`
	Errors []fieldError `json:"errors"`
}

type fieldError struct {
	Location    string `json:"location"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// writeJSON writes v with the given status; nil v writes an empty object.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		v = struct{}{}
	}
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a single-description error body.
func writeError(w http.ResponseWriter, status int, description string) {
	writeJSON(w, status, errorBody{
		Status: "error",
		Errors: []fieldError{{Location: "body", Name: "", Description: description}},
	})
}

// writeValidationError lists every offending field so the client can
// correct them all in one round trip.
func writeValidationError(w http.ResponseWriter, ve *push.ValidationError) {
	errs := make([]fieldError, 0, len(ve.Fields))
	for _, field := range ve.Fields {
		errs = append(errs, fieldError{
			Location:    "body",
			Name:        field,
			Description: "missing value",
		})
	}
	writeJSON(w, http.StatusBadRequest, errorBody{Status: "error", Errors: errs})
}

func writeNotFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
