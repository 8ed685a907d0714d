// Package errors defines the structured error type shared by the proxy's HTTP boundary
// and its backend invoker, together with the status-to-OpenAI error lookup table.
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// GenericServerMessage is returned to callers in place of internal failure details.
const GenericServerMessage = "The server had an error while processing your request. Please retry your request."

// AppError represents a structured application error.
type AppError struct {
	// HTTPStatusCode is the HTTP status code to return.
	HTTPStatusCode int `json:"-"`
	// Code is the OpenAI-style error code string.
	Code string `json:"code"`
	// Type is the OpenAI-style error category (e.g. "invalid_request_error").
	Type string `json:"type"`
	// Message is the user-facing error message.
	Message string `json:"message"`
	// Param names the offending request parameter, if any.
	Param *string `json:"param"`
	// Details provides additional error context (optional).
	Details map[string]interface{} `json:"details,omitempty"`
	// Err is the underlying error (not marshaled to JSON).
	Err error `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// StatusCode exposes the HTTP status so callers can treat AppError like any other status error.
func (e *AppError) StatusCode() int {
	return e.HTTPStatusCode
}

// ToJSON returns the JSON byte representation of the error.
func (e *AppError) ToJSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// openAIBody mirrors the {"error": {...}} envelope OpenAI clients expect.
type openAIBody struct {
	Error openAIDetail `json:"error"`
}

type openAIDetail struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    string  `json:"code"`
}

// ToOpenAIBody renders the error as {"error":{"message","type","param","code"}}.
// Type and code default from the status table when they are unset.
func (e *AppError) ToOpenAIBody() []byte {
	status := e.HTTPStatusCode
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	errType, code := TypeAndCodeForStatus(status)
	if e.Type != "" {
		errType = e.Type
	}
	if e.Code != "" {
		code = e.Code
	}
	message := e.Message
	if message == "" {
		message = http.StatusText(status)
	}
	b, err := json.Marshal(openAIBody{Error: openAIDetail{
		Message: message,
		Type:    errType,
		Param:   e.Param,
		Code:    code,
	}})
	if err != nil {
		return []byte(`{"error":{"message":"unknown error","type":"api_error","param":null,"code":"api_error"}}`)
	}
	return b
}

// New creates a new AppError.
func New(statusCode int, code, message string, err error) *AppError {
	errType, _ := TypeAndCodeForStatus(statusCode)
	return &AppError{
		HTTPStatusCode: statusCode,
		Code:           code,
		Type:           errType,
		Message:        message,
		Err:            err,
	}
}

// Newf creates an AppError whose type and code come from the status table.
func Newf(statusCode int, format string, args ...any) *AppError {
	errType, code := TypeAndCodeForStatus(statusCode)
	return &AppError{
		HTTPStatusCode: statusCode,
		Code:           code,
		Type:           errType,
		Message:        fmt.Sprintf(format, args...),
	}
}

// Wrap turns err into an AppError whose message is err's own text.
func Wrap(statusCode int, code string, err error) *AppError {
	message := ""
	if err != nil {
		message = strings.TrimSpace(err.Error())
	}
	return New(statusCode, code, message, err)
}

// Internal wraps an unexpected failure. The caller only ever sees GenericServerMessage.
func Internal(err error) *AppError {
	return &AppError{
		HTTPStatusCode: http.StatusInternalServerError,
		Code:           "internal_error",
		Type:           "api_error",
		Message:        GenericServerMessage,
		Err:            err,
	}
}

// TypeAndCodeForStatus maps an HTTP status to the OpenAI error type/code pair.
func TypeAndCodeForStatus(status int) (errType, code string) {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error", "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error", "invalid_api_key"
	case http.StatusForbidden:
		return "permission_error", "permission_denied"
	case http.StatusNotFound:
		return "invalid_request_error", "model_not_found"
	case http.StatusRequestTimeout:
		return "timeout_error", "request_timeout"
	case http.StatusTooManyRequests:
		return "rate_limit_error", "rate_limit_exceeded"
	default:
		return "api_error", "api_error"
	}
}
