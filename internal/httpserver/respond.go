package httpserver

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Respond writes data as a JSON response with the given status.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// RespondError writes a JSON error envelope with the given status.
func RespondError(w http.ResponseWriter, status int, errStr, message string) {
	Respond(w, status, ErrorResponse{Error: errStr, Message: message})
}
