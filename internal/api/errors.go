package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bher20/countryrates/internal/sources"
)

type errorBody struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// sourceDetails names the upstream that failed without leaking its URL.
func sourceDetails(err error) string {
	var fe *sources.FetchError
	if errors.As(err, &fe) {
		return "Could not fetch data from the " + fe.Source + " source"
	}
	return "Could not fetch data from upstream"
}
