package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"

	careAuth "github.com/MrEthical07/careAuth"
)

// RetryAfterSeconds is sent with every 429 and 503 response.
const RetryAfterSeconds = 5

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Status maps an engine error onto an HTTP status code.
func Status(err error) int {
	switch careAuth.KindOf(err) {
	case careAuth.KindValidation:
		return http.StatusBadRequest
	case careAuth.KindAuthentication:
		return http.StatusUnauthorized
	case careAuth.KindAccess:
		return http.StatusForbidden
	case careAuth.KindConflict:
		return http.StatusConflict
	case careAuth.KindRateLimited:
		return http.StatusTooManyRequests
	case careAuth.KindDependency:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// WriteError writes err as JSON. Authentication, access, rate-limit and
// dependency failures carry only their class so clients cannot tell which
// check failed; validation and conflict errors include their message.
func WriteError(w http.ResponseWriter, err error) {
	status := Status(err)
	body := ErrorBody{Error: careAuth.KindOf(err).String()}
	switch status {
	case http.StatusBadRequest, http.StatusConflict:
		body.Message = err.Error()
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
