package module

import (
	"fmt"
	"net/http"
)

// ResponseError lets a handler or module end the request with an explicit status.
type ResponseError struct {
	Code    int
	Message string
}

// NewResponseError builds a ResponseError, falling back to the standard status text.
func NewResponseError(code int, message string) *ResponseError {
	if message == "" {
		message = http.StatusText(code)
	}
	return &ResponseError{Code: code, Message: message}
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%d %s", e.Code, e.Message)
}
