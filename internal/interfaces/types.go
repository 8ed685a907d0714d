// Package interfaces provides the types shared between the request translator, the backend
// executor and the response translator, so that none of them has to import another.
package interfaces

import "net/http"

// EventKind tags a normalized backend event.
type EventKind int

const (
	// EventIgnored marks a raw backend payload that carries nothing for the client.
	EventIgnored EventKind = iota
	// EventOutput carries a non-empty piece of generated text.
	EventOutput
	// EventDone marks the end of generation.
	EventDone
)

// String returns a stable name for logging.
func (k EventKind) String() string {
	switch k {
	case EventOutput:
		return "output"
	case EventDone:
		return "done"
	default:
		return "ignored"
	}
}

// BackendEvent is the single internal event variant produced from backend streams.
// Text is only meaningful for EventOutput.
type BackendEvent struct {
	Kind EventKind
	Text string
}

// OutputEvent builds an EventOutput.
func OutputEvent(text string) BackendEvent {
	return BackendEvent{Kind: EventOutput, Text: text}
}

// DoneEvent builds an EventDone.
func DoneEvent() BackendEvent {
	return BackendEvent{Kind: EventDone}
}

// MaxImageResolution is the fixed image downscale factor sent with every request.
const MaxImageResolution = 0.5

// NormalizedInput is the backend-ready prediction input.
type NormalizedInput struct {
	Prompt             string  `json:"prompt"`
	SystemPrompt       string  `json:"system_prompt"`
	MaxTokens          int     `json:"max_tokens"`
	Image              string  `json:"image,omitempty"`
	MaxImageResolution float64 `json:"max_image_resolution"`
}

// ErrorMessage carries a classified failure to the HTTP boundary.
type ErrorMessage struct {
	// StatusCode is the HTTP status to return.
	StatusCode int
	// Error is the underlying failure.
	Error error
	// Addon holds extra response headers (e.g. WWW-Authenticate).
	Addon http.Header
}
