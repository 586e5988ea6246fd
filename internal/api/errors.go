package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
)

// Error is a non-2xx answer from the API
type Error struct {
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("API request %s failed: %d %s", e.Endpoint, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("API request %s failed: %d %s", e.Endpoint, e.StatusCode, e.Message)
}

// IsClientError reports whether the server refused the request (4xx)
func (e *Error) IsClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsNotFound reports whether err is a 404 from the API.
// A 404 on report lookups means "not produced yet" and callers treat it as absence.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// CheckResponse converts an unsuccessful response into *Error
func CheckResponse(endpoint string, resp *resty.Response) error {
	if resp == nil {
		return &Error{Endpoint: endpoint, Message: "empty response"}
	}
	if resp.IsSuccess() {
		return nil
	}
	return &Error{
		Endpoint:   endpoint,
		StatusCode: resp.StatusCode(),
		Message:    errorMessage(resp.Body()),
	}
}

// errorMessage extracts "detail" or "message" from an error body, falling back to raw text
func errorMessage(body []byte) string {
	var payload struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return strings.TrimSpace(string(body))
	}
	if len(payload.Detail) > 0 {
		var detail string
		if err := json.Unmarshal(payload.Detail, &detail); err == nil {
			return detail
		}
		return string(payload.Detail)
	}
	return payload.Message
}
