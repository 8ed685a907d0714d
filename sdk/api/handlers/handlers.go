// Package handlers provides core API handler functionality for the Replicate proxy server.
// It includes the shared handler base, per-request executor construction, credential
// plumbing and the OpenAI-style error rendering used by every endpoint.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/ReplicateProxyAPI/internal/config"
	apierrors "github.com/router-for-me/ReplicateProxyAPI/internal/errors"
	"github.com/router-for-me/ReplicateProxyAPI/internal/interfaces"
	"github.com/router-for-me/ReplicateProxyAPI/internal/logging"
	"github.com/router-for-me/ReplicateProxyAPI/internal/registry"
	"github.com/router-for-me/ReplicateProxyAPI/internal/replicate"
	"github.com/router-for-me/ReplicateProxyAPI/internal/runtime/executor"
	log "github.com/sirupsen/logrus"
)

// credentialKey is the gin context key holding the caller's Replicate token.
const credentialKey = "replicate_credential"

// BackendFactory builds the backend for one request from the caller's credential.
type BackendFactory func(token string, cfg *config.Config) executor.Backend

// ReplicateBackendFactory builds a Replicate API client configured from cfg.
func ReplicateBackendFactory(token string, cfg *config.Config) executor.Backend {
	return replicate.NewClient(token,
		replicate.WithBaseURL(cfg.Replicate.GetBaseURL()),
		replicate.WithPreferWait(cfg.Replicate.GetPreferWait()),
		replicate.WithPollInterval(cfg.Replicate.GetPollInterval()),
	)
}

// Reporter receives backend and response outcomes for metrics.
type Reporter interface {
	executor.Reporter
	StreamChunk()
	ErrorResponse(status int)
}

type nopReporter struct{}

func (nopReporter) BackendCall(string, string, time.Duration) {}
func (nopReporter) Fallback()                                 {}
func (nopReporter) StreamChunk()                              {}
func (nopReporter) ErrorResponse(int)                         {}

// BaseAPIHandler contains the shared state of the API endpoints.
type BaseAPIHandler struct {
	// Registry resolves public model aliases.
	Registry *registry.ModelRegistry

	// NewBackend builds the backend for each request.
	NewBackend BackendFactory

	// Reporter receives outcomes. Never nil after construction.
	Reporter Reporter

	cfg func() *config.Config
}

// NewBaseAPIHandlers creates a new API handlers instance.
//
// Parameters:
//   - cfg: Returns the current configuration snapshot
//   - reg: The model alias registry
//   - factory: Builds the backend per request; nil means ReplicateBackendFactory
//   - reporter: Receives outcomes; nil disables reporting
//
// Returns:
//   - *BaseAPIHandler: A new API handlers instance
func NewBaseAPIHandlers(cfg func() *config.Config, reg *registry.ModelRegistry, factory BackendFactory, reporter Reporter) *BaseAPIHandler {
	if factory == nil {
		factory = ReplicateBackendFactory
	}
	if reporter == nil {
		reporter = nopReporter{}
	}
	if reg == nil {
		reg = registry.NewModelRegistry()
	}
	return &BaseAPIHandler{
		Registry:   reg,
		NewBackend: factory,
		Reporter:   reporter,
		cfg:        cfg,
	}
}

// Config returns the current configuration snapshot.
func (h *BaseAPIHandler) Config() *config.Config {
	if h.cfg != nil {
		if cfg := h.cfg(); cfg != nil {
			return cfg
		}
	}
	return &config.Config{}
}

// SetCredential stores the caller's backend credential on the gin context.
func SetCredential(c *gin.Context, token string) {
	c.Set(credentialKey, token)
}

// GetCredential returns the credential stored by SetCredential.
func GetCredential(c *gin.Context) string {
	if v, ok := c.Get(credentialKey); ok {
		if token, okStr := v.(string); okStr {
			return token
		}
	}
	return ""
}

// LogEntry returns the request-scoped logger for c.
func LogEntry(c *gin.Context) *log.Entry {
	return logging.RequestEntry(logging.GetGinRequestID(c))
}

// GetContextWithTimeout derives the request context bounded by the configured end-to-end timeout.
func (h *BaseAPIHandler) GetContextWithTimeout(c *gin.Context) (context.Context, context.CancelFunc) {
	parent := c.Request.Context()
	if logging.RequestIDFromContext(parent) == "" {
		if id := logging.GetGinRequestID(c); id != "" {
			parent = logging.WithRequestID(parent, id)
		}
	}
	return context.WithTimeout(parent, h.Config().GetRequestTimeout())
}

// NewExecutor builds the executor for one request against the resolved Replicate model.
func (h *BaseAPIHandler) NewExecutor(c *gin.Context, modelID string) *executor.ReplicateExecutor {
	cfg := h.Config()
	opts := executor.Options{
		ChunkDelay:         cfg.Streaming.GetChunkDelay(),
		FallbackChunkSize:  cfg.Streaming.GetFallbackChunkSize(),
		FallbackChunkDelay: cfg.Streaming.GetFallbackChunkDelay(),
		Reporter:           h.Reporter,
	}
	return executor.NewReplicateExecutor(h.NewBackend(GetCredential(c), cfg), modelID, opts, LogEntry(c))
}

// ErrorMessageFor wraps err with the status it reports.
func ErrorMessageFor(err error) *interfaces.ErrorMessage {
	status := http.StatusInternalServerError
	var statusErr interface{ StatusCode() int }
	if errors.As(err, &statusErr) && statusErr.StatusCode() > 0 {
		status = statusErr.StatusCode()
	}
	return &interfaces.ErrorMessage{StatusCode: status, Error: err}
}

// ToAppError converts an error message into the structured error rendered to callers.
// Backend messages are passed through; other server-side failures are replaced by the generic message.
func ToAppError(msg *interfaces.ErrorMessage) *apierrors.AppError {
	if msg == nil || msg.Error == nil {
		status := http.StatusInternalServerError
		if msg != nil && msg.StatusCode > 0 {
			status = msg.StatusCode
		}
		return apierrors.New(status, "", http.StatusText(status), nil)
	}

	var appErr *apierrors.AppError
	if errors.As(msg.Error, &appErr) {
		return appErr
	}

	status := msg.StatusCode
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	var backendErr *executor.BackendError
	if errors.As(msg.Error, &backendErr) {
		return apierrors.New(backendErr.Status, "", backendErr.Message, backendErr)
	}
	if status >= http.StatusInternalServerError {
		internal := apierrors.Internal(msg.Error)
		internal.HTTPStatusCode = status
		return internal
	}
	return apierrors.Wrap(status, "", msg.Error)
}

// WriteErrorResponse writes an error response in the OpenAI error envelope.
//
// Parameters:
//   - c: The Gin context for the request
//   - msg: The error to render
func (h *BaseAPIHandler) WriteErrorResponse(c *gin.Context, msg *interfaces.ErrorMessage) {
	appErr := ToAppError(msg)
	status := appErr.HTTPStatusCode
	if msg != nil && msg.Addon != nil {
		for key, values := range msg.Addon {
			if len(values) == 0 {
				continue
			}
			c.Writer.Header().Del(key)
			for _, value := range values {
				c.Writer.Header().Add(key, value)
			}
		}
	}

	h.LoggingAPIResponseError(c, appErr)
	h.Reporter.ErrorResponse(status)
	// Plain-text bodies commonly show up as "(no body)" in OpenAI SDKs, so the envelope is always JSON.
	c.Header("Content-Type", "application/json")
	c.Data(status, "application/json", appErr.ToOpenAIBody())
}

// LoggingAPIResponseError logs a failed request with its correlation id. Never logs bodies.
func (h *BaseAPIHandler) LoggingAPIResponseError(c *gin.Context, appErr *apierrors.AppError) {
	entry := LogEntry(c).WithFields(log.Fields{
		"status": appErr.HTTPStatusCode,
		"code":   appErr.Code,
	})
	if appErr.Err != nil {
		entry = entry.WithError(appErr.Err)
	}
	var backendErr *executor.BackendError
	if errors.As(appErr.Err, &backendErr) && len(backendErr.RawResponse) > 0 {
		entry = entry.WithField("backend_response_bytes", len(backendErr.RawResponse))
	}
	if appErr.HTTPStatusCode >= http.StatusInternalServerError {
		entry.Error(appErr.Message)
		return
	}
	entry.Warn(appErr.Message)
}
