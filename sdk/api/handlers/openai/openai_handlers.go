// Package openai provides HTTP handlers for the OpenAI-compatible endpoints.
// It exposes /v1/models and /v1/chat/completions backed by Replicate-hosted models,
// supporting both synchronous JSON responses and Server-Sent Events streaming.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/ReplicateProxyAPI/internal/config"
	apierrors "github.com/router-for-me/ReplicateProxyAPI/internal/errors"
	"github.com/router-for-me/ReplicateProxyAPI/internal/interfaces"
	"github.com/router-for-me/ReplicateProxyAPI/internal/registry"
	"github.com/router-for-me/ReplicateProxyAPI/internal/runtime/executor"
	chat_completions "github.com/router-for-me/ReplicateProxyAPI/internal/translator/replicate/openai/chat-completions"
	"github.com/router-for-me/ReplicateProxyAPI/sdk/api/handlers"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// HandlerType identifies the OpenAI-compatible handler.
const HandlerType = "openai"

// OpenAIAPIHandler contains the handlers for OpenAI API endpoints.
type OpenAIAPIHandler struct {
	*handlers.BaseAPIHandler

	// now is the clock used for "created" timestamps.
	now func() time.Time
}

// NewOpenAIAPIHandler creates a new OpenAI API handlers instance.
//
// Parameters:
//   - apiHandlers: The base API handlers instance
//
// Returns:
//   - *OpenAIAPIHandler: A new OpenAI API handlers instance
func NewOpenAIAPIHandler(apiHandlers *handlers.BaseAPIHandler) *OpenAIAPIHandler {
	return &OpenAIAPIHandler{
		BaseAPIHandler: apiHandlers,
		now:            time.Now,
	}
}

// HandlerType returns the identifier for this handler implementation.
func (h *OpenAIAPIHandler) HandlerType() string {
	return HandlerType
}

// Models returns the public model descriptors.
func (h *OpenAIAPIHandler) Models() []*registry.ModelInfo {
	return h.Registry.Available()
}

// OpenAIModels handles the /v1/models endpoint.
func (h *OpenAIAPIHandler) OpenAIModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   h.Models(),
	})
}

// ChatCompletions handles the /v1/chat/completions endpoint.
// It validates the body, resolves the model alias, normalizes the conversation and then
// answers with a single JSON completion or an SSE stream depending on "stream".
//
// Parameters:
//   - c: The Gin context containing the HTTP request and response
func (h *OpenAIAPIHandler) ChatCompletions(c *gin.Context) {
	ctx, cancel := h.GetContextWithTimeout(c)
	defer cancel()

	rawJSON, err := c.GetRawData()
	if err != nil {
		h.writeInvalidRequest(c, "invalid_request_error", fmt.Sprintf("Invalid request: failed to read body: %v", err))
		return
	}
	if !gjson.ValidBytes(rawJSON) || !gjson.ParseBytes(rawJSON).IsObject() {
		h.writeInvalidRequest(c, "invalid_request_error", "Invalid request: body must be a JSON object")
		return
	}

	requested := strings.TrimSpace(gjson.GetBytes(rawJSON, "model").String())
	model, ok := h.Registry.Resolve(requested)
	if !ok {
		h.writeInvalidRequest(c, "model_not_found", fmt.Sprintf("The model `%s` does not exist. Supported models: %s", requested, strings.Join(h.Registry.Supported(), ", ")))
		return
	}

	cfg := h.Config()
	input, err := chat_completions.ConvertOpenAIRequestToReplicate(rawJSON, tokenLimits(cfg))
	if err != nil {
		h.writeInvalidRequest(c, "invalid_messages", fmt.Sprintf("Invalid messages: %v", err))
		return
	}

	handlers.LogEntry(c).WithFields(log.Fields{
		"model":         model.ID,
		"stream":        gjson.GetBytes(rawJSON, "stream").Bool(),
		"prompt_chars":  len(input.Prompt),
		"system_chars":  len(input.SystemPrompt),
		"has_image":     input.Image != "",
		"max_tokens":    input.MaxTokens,
		"message_count": len(gjson.GetBytes(rawJSON, "messages").Array()),
	}).Debug("chat completion request normalized")

	exec := h.NewExecutor(c, model.ReplicateID)
	state := chat_completions.NewStreamState(chat_completions.NewCompletionID(), model.ID, h.now().Unix())

	if gjson.GetBytes(rawJSON, "stream").Bool() {
		h.handleStreamingResponse(c, ctx, exec, state, input)
		return
	}
	h.handleNonStreamingResponse(c, ctx, exec, state, input)
}

// handleNonStreamingResponse answers with a single chat.completion object.
func (h *OpenAIAPIHandler) handleNonStreamingResponse(c *gin.Context, ctx context.Context, exec *executor.ReplicateExecutor, state *chat_completions.StreamState, input interfaces.NormalizedInput) {
	text, err := exec.GetResponse(ctx, input)
	if err != nil {
		if c.Request.Context().Err() != nil {
			handlers.LogEntry(c).Info("client disconnected before completion")
			return
		}
		h.WriteErrorResponse(c, handlers.ErrorMessageFor(err))
		return
	}
	body := chat_completions.ConvertReplicateResponseToOpenAINonStream(state.ID, state.Model, state.Created, text)
	c.Data(http.StatusOK, "application/json", []byte(body))
}

// handleStreamingResponse answers with an SSE stream of chat.completion.chunk frames.
func (h *OpenAIAPIHandler) handleStreamingResponse(c *gin.Context, ctx context.Context, exec *executor.ReplicateExecutor, state *chat_completions.StreamState, input interfaces.NormalizedInput) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		h.WriteErrorResponse(c, &interfaces.ErrorMessage{
			StatusCode: http.StatusInternalServerError,
			Error:      apierrors.New(http.StatusInternalServerError, "streaming_unsupported", "Streaming not supported", nil),
		})
		return
	}

	handlers.SetSSEHeaders(c)
	chunks := exec.StreamResponse(ctx, input)
	h.ForwardStream(c, ctx, flusher, state, chunks, handlers.StreamForwardOptions{
		KeepAlive: h.Config().Streaming.GetKeepAlive(),
	})
}

func (h *OpenAIAPIHandler) writeInvalidRequest(c *gin.Context, code, message string) {
	appErr := apierrors.New(http.StatusBadRequest, code, message, nil)
	h.WriteErrorResponse(c, &interfaces.ErrorMessage{StatusCode: http.StatusBadRequest, Error: appErr})
}

func tokenLimits(cfg *config.Config) chat_completions.TokenLimits {
	return chat_completions.TokenLimits{
		Default: cfg.Limits.GetDefaultMaxTokens(),
		Min:     cfg.Limits.GetMinMaxTokens(),
		Max:     cfg.Limits.GetMaxMaxTokens(),
	}
}
