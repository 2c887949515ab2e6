package httpx

import (
	"encoding/json"
	"io"
	"net/http"
)

// writeJSON writes an uncacheable JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON reads one JSON document of at most limit bytes into dst.
func decodeJSON(w http.ResponseWriter, body io.ReadCloser, limit int64, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, body, limit))
	return dec.Decode(dst)
}
