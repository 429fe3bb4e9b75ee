package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// errBodyTooLarge marks a request body that exceeded the size limit.
var errBodyTooLarge = errors.New("request body too large")

// readBody reads the raw request body with a hard size cap. Unlike the
// webhook-side reader it accepts an empty body; the JSON decoders report
// missing fields themselves.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	body, err := io.ReadAll(r.Body)
	defer func() {
		_ = r.Body.Close()
	}()
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, fmt.Errorf("%w (max %d bytes)", errBodyTooLarge, limit)
		}
		return nil, err
	}
	return body, nil
}

// writeJSON writes a JSON response with proper headers.
func writeJSON(w http.ResponseWriter, code int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(data)
}
