package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	apierrors "github.com/router-for-me/ReplicateProxyAPI/internal/errors"
	"github.com/router-for-me/ReplicateProxyAPI/internal/replicate"
	"github.com/router-for-me/ReplicateProxyAPI/internal/util"
	"github.com/tidwall/gjson"
)

// StatusClientClosedRequest reports a request whose caller went away before completion.
const StatusClientClosedRequest = 499

// BackendError is the uniform shape of every backend failure.
type BackendError struct {
	// Status is the HTTP status to report.
	Status int
	// Message is safe to show to the caller.
	Message string
	// RawResponse is the redacted backend error body, when there was one.
	RawResponse json.RawMessage
	// Err is the original failure, kept for logging.
	Err error
}

func (e *BackendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend error %d: %s: %v", e.Status, e.Message, e.Err)
	}
	return fmt.Sprintf("backend error %d: %s", e.Status, e.Message)
}

// Unwrap returns the original failure.
func (e *BackendError) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status to report.
func (e *BackendError) StatusCode() int {
	return e.Status
}

// ClassifyError normalizes err. Structured HTTP responses supply status and message; errors
// that already carry a status keep it; everything else becomes a 500 with a generic message.
func ClassifyError(err error) *BackendError {
	if err == nil {
		return nil
	}

	var backendErr *BackendError
	if errors.As(err, &backendErr) {
		return backendErr
	}

	var apiErr *replicate.APIError
	if errors.As(err, &apiErr) {
		classified := &BackendError{Status: apiErr.StatusCode, Message: apiErr.Message(), Err: err}
		if gjson.ValidBytes(apiErr.Body) {
			classified.RawResponse = json.RawMessage(util.RedactSensitiveJSON(apiErr.Body))
		}
		return classified
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &BackendError{Status: http.StatusRequestTimeout, Message: "Request timed out", Err: err}
	case errors.Is(err, context.Canceled):
		return &BackendError{Status: StatusClientClosedRequest, Message: "Request canceled", Err: err}
	}

	var predErr *replicate.PredictionError
	if errors.As(err, &predErr) {
		msg := predErr.Message
		if msg == "" {
			msg = "prediction " + predErr.Status
		}
		return &BackendError{Status: predErr.StatusCode(), Message: msg, Err: err}
	}

	var statusErr interface{ StatusCode() int }
	if errors.As(err, &statusErr) && statusErr.StatusCode() > 0 {
		return &BackendError{Status: statusErr.StatusCode(), Message: err.Error(), Err: err}
	}

	return &BackendError{Status: http.StatusInternalServerError, Message: apierrors.GenericServerMessage, Err: err}
}
