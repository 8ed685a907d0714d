package replicate

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// APIError is a non-2xx response from the Replicate API.
type APIError struct {
	// StatusCode is the HTTP status of the response.
	StatusCode int
	// Detail is the problem detail message, when the body carried one.
	Detail string
	// Title is the problem title, when the body carried one.
	Title string
	// Body is the raw response body.
	Body []byte
	// Response is the originating HTTP response. Its body has already been consumed.
	Response *http.Response
}

func newAPIError(resp *http.Response, body []byte) *APIError {
	e := &APIError{StatusCode: resp.StatusCode, Body: body, Response: resp}
	if gjson.ValidBytes(body) {
		e.Detail = strings.TrimSpace(gjson.GetBytes(body, "detail").String())
		e.Title = strings.TrimSpace(gjson.GetBytes(body, "title").String())
	}
	return e
}

func (e *APIError) Error() string {
	msg := e.Message()
	return fmt.Sprintf("replicate: status %d: %s", e.StatusCode, msg)
}

// Message returns the most specific caller-facing description available.
func (e *APIError) Message() string {
	switch {
	case e.Detail != "":
		return e.Detail
	case e.Title != "":
		return e.Title
	default:
		if text := http.StatusText(e.StatusCode); text != "" {
			return text
		}
		return "unexpected response from Replicate"
	}
}

// PredictionError reports a prediction that finished as failed or canceled.
type PredictionError struct {
	ID      string
	Status  string
	Message string
}

func (e *PredictionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("replicate: prediction %s %s", e.ID, e.Status)
	}
	return fmt.Sprintf("replicate: prediction %s %s: %s", e.ID, e.Status, e.Message)
}

// StatusCode maps the terminal prediction status onto an HTTP status.
func (e *PredictionError) StatusCode() int {
	if e.Status == StatusCanceled {
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

// StreamError is an "error" event received on a prediction stream.
type StreamError struct {
	Detail string
}

func (e *StreamError) Error() string {
	if e.Detail == "" {
		return "replicate: stream error"
	}
	return "replicate: stream error: " + e.Detail
}
