// Package chat_completions provides response translation functionality for Replicate output to
// OpenAI Chat Completions API compatibility. Streaming output is rendered as chat.completion.chunk
// payloads and synchronous output as a single chat.completion object.
package chat_completions

import (
	"strings"

	"github.com/google/uuid"
	"github.com/router-for-me/ReplicateProxyAPI/internal/interfaces"
	"github.com/tidwall/sjson"
)

const (
	chunkTemplate      = `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{},"finish_reason":null}]}`
	completionTemplate = `{"id":"","object":"chat.completion","created":0,"model":"","choices":[{"index":0,"message":{"role":"assistant","content":""},"finish_reason":"stop"}],"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}}`
	zeroUsage          = `{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}`
)

// NewCompletionID returns an OpenAI-style completion id.
func NewCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// StreamState carries the per-stream encoder state between events.
type StreamState struct {
	ID      string
	Model   string
	Created int64

	roleSent bool
	finished bool
}

// NewStreamState creates the encoder state for one streamed completion.
func NewStreamState(id, model string, created int64) *StreamState {
	return &StreamState{ID: id, Model: model, Created: created}
}

// Finished reports whether the finish chunk has been produced.
func (s *StreamState) Finished() bool {
	return s.finished
}

// ConvertReplicateEventToOpenAI converts one normalized backend event into OpenAI chunk payloads.
//
// Parameters:
//   - state: The per-stream encoder state
//   - event: The normalized backend event
//
// Returns:
//   - []string: JSON chunk payloads, in emission order
//   - bool: true when the stream is complete and the [DONE] sentinel must follow
func ConvertReplicateEventToOpenAI(state *StreamState, event interfaces.BackendEvent) ([]string, bool) {
	if state.finished || event.Kind == interfaces.EventIgnored {
		return nil, state.finished
	}
	var out []string
	if !state.roleSent {
		state.roleSent = true
		out = append(out, state.roleChunk())
	}
	switch event.Kind {
	case interfaces.EventOutput:
		out = append(out, state.contentChunk(event.Text))
	case interfaces.EventDone:
		state.finished = true
		out = append(out, state.finishChunk())
	}
	return out, state.finished
}

func (s *StreamState) baseChunk() string {
	out, _ := sjson.Set(chunkTemplate, "id", s.ID)
	out, _ = sjson.Set(out, "created", s.Created)
	out, _ = sjson.Set(out, "model", s.Model)
	return out
}

func (s *StreamState) roleChunk() string {
	out, _ := sjson.Set(s.baseChunk(), "choices.0.delta.role", "assistant")
	return out
}

func (s *StreamState) contentChunk(text string) string {
	out, _ := sjson.Set(s.baseChunk(), "choices.0.delta.content", text)
	return out
}

// finishChunk carries zero usage; Replicate exposes no token accounting.
func (s *StreamState) finishChunk() string {
	out, _ := sjson.Set(s.baseChunk(), "choices.0.finish_reason", "stop")
	out, _ = sjson.SetRaw(out, "usage", zeroUsage)
	return out
}

// ConvertReplicateResponseToOpenAINonStream wraps a synchronous result as a chat.completion object.
//
// Parameters:
//   - id: The completion id
//   - model: The public model alias
//   - created: Unix seconds
//   - text: The aggregated backend output
//
// Returns:
//   - string: An OpenAI-compatible JSON response with zero usage counters
func ConvertReplicateResponseToOpenAINonStream(id, model string, created int64, text string) string {
	out, _ := sjson.Set(completionTemplate, "id", id)
	out, _ = sjson.Set(out, "created", created)
	out, _ = sjson.Set(out, "model", model)
	out, _ = sjson.Set(out, "choices.0.message.content", text)
	return out
}
