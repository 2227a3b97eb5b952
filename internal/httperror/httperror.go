package httperror

import (
	"encoding/json"
	"net/http"
)

const (
	HeaderContentType = "Content-Type"
	ContentTypeJSON   = "application/json"
)

// Messages used in the error envelope.
const (
	MsgBackendUnavailable = "Failed to connect to the backend"
	MsgTooManyRequests    = "Too many requests"
)

// Envelope is the JSON body of every error the proxy generates itself.
// Upstream error responses are relayed untouched and never wrapped.
type Envelope struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

// Write sends an Envelope with the given status.
func Write(w http.ResponseWriter, status int, message, details string) {
	w.Header().Set(HeaderContentType, ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: message, Details: details})
}

// BadGateway reports that the backend could not be reached.
func BadGateway(w http.ResponseWriter, err error) {
	details := ""
	if err != nil {
		details = err.Error()
	}
	Write(w, http.StatusBadGateway, MsgBackendUnavailable, details)
}
