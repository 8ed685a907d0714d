package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/ReplicateProxyAPI/internal/interfaces"
	"github.com/router-for-me/ReplicateProxyAPI/internal/runtime/executor"
	chat_completions "github.com/router-for-me/ReplicateProxyAPI/internal/translator/replicate/openai/chat-completions"
)

// StreamForwardOptions tunes ForwardStream.
type StreamForwardOptions struct {
	// KeepAlive is the heartbeat interval. <= 0 disables heartbeats.
	KeepAlive time.Duration
}

// SetSSEHeaders prepares c for an event-stream response. Nothing is written until the first frame.
func SetSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}

// ForwardStream encodes executor chunks as OpenAI SSE frames and flushes each one.
// A failure before anything was written is answered with a JSON error; afterwards it is sent
// in-band as an error event followed by [DONE].
func (h *BaseAPIHandler) ForwardStream(c *gin.Context, ctx context.Context, flusher http.Flusher, state *chat_completions.StreamState, chunks <-chan executor.StreamChunk, opts StreamForwardOptions) {
	var keepAlive <-chan time.Time
	if opts.KeepAlive > 0 {
		ticker := time.NewTicker(opts.KeepAlive)
		defer ticker.Stop()
		keepAlive = ticker.C
	}
	entry := LogEntry(c)
	emitted := 0

	for {
		select {
		case <-ctx.Done():
			h.endStreamOnContext(c, ctx, flusher)
			return
		case chunk, ok := <-chunks:
			if !ok {
				if ctx.Err() != nil {
					h.endStreamOnContext(c, ctx, flusher)
					return
				}
				if !state.Finished() {
					h.writeChunks(c, state, executor.StreamChunk{Event: interfaces.DoneEvent()})
					WriteSSEDone(c.Writer)
					flusher.Flush()
				}
				return
			}
			if chunk.Err != nil {
				h.writeStreamError(c, flusher, chunk.Err)
				return
			}
			done := h.writeChunks(c, state, chunk)
			emitted++
			if done {
				WriteSSEDone(c.Writer)
				flusher.Flush()
				entry.Debugf("stream completed: events=%d", emitted)
				return
			}
			flusher.Flush()
		case <-keepAlive:
			WriteSSEKeepAlive(c.Writer)
			flusher.Flush()
		}
	}
}

func (h *BaseAPIHandler) writeChunks(c *gin.Context, state *chat_completions.StreamState, chunk executor.StreamChunk) bool {
	payloads, done := chat_completions.ConvertReplicateEventToOpenAI(state, chunk.Event)
	for _, payload := range payloads {
		WriteSSEData(c.Writer, []byte(payload))
		h.Reporter.StreamChunk()
	}
	return done
}

// endStreamOnContext handles the request context ending: a gone client gets nothing,
// an expired deadline gets a timeout error.
func (h *BaseAPIHandler) endStreamOnContext(c *gin.Context, ctx context.Context, flusher http.Flusher) {
	if c.Request.Context().Err() != nil {
		LogEntry(c).Info("client disconnected during stream")
		return
	}
	h.writeStreamError(c, flusher, executor.ClassifyError(ctx.Err()))
}

func (h *BaseAPIHandler) writeStreamError(c *gin.Context, flusher http.Flusher, err error) {
	msg := ErrorMessageFor(err)
	if !c.Writer.Written() {
		c.Writer.Header().Del("Cache-Control")
		c.Writer.Header().Del("Connection")
		c.Writer.Header().Del("X-Accel-Buffering")
		h.WriteErrorResponse(c, msg)
		return
	}
	appErr := ToAppError(msg)
	h.LoggingAPIResponseError(c, appErr)
	h.Reporter.ErrorResponse(appErr.HTTPStatusCode)
	WriteSSEError(c.Writer, appErr.ToOpenAIBody())
	WriteSSEDone(c.Writer)
	flusher.Flush()
}
