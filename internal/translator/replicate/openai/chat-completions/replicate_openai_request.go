// Package chat_completions provides request translation functionality for OpenAI Chat Completions
// to Replicate prediction input. It flattens a multi-message conversation into the single
// prompt/system_prompt/image schema Replicate-hosted chat models accept.
package chat_completions

import (
	"fmt"
	"strings"

	"github.com/router-for-me/ReplicateProxyAPI/internal/interfaces"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Roles accepted in chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ContentPartType tags a ContentPart.
type ContentPartType int

const (
	// PartText holds a text fragment.
	PartText ContentPartType = iota
	// PartImage holds an image reference (URL or data URI).
	PartImage
)

// ContentPart is one typed element of a multi-part message content.
type ContentPart struct {
	Type     ContentPartType
	Text     string
	ImageURL string
}

// ChatMessage is one OpenAI chat message. When IsParts is false, Text holds the string
// content (possibly empty for null or absent content).
type ChatMessage struct {
	Role    string
	Text    string
	Parts   []ContentPart
	IsParts bool
}

// Conversation is the normalizer result.
type Conversation struct {
	SystemPrompt     string
	ConversationText string
	ImageURLs        []string
}

// TokenLimits bounds the max_tokens value forwarded to the backend.
type TokenLimits struct {
	Default int
	Min     int
	Max     int
}

// ParseMessages decodes the "messages" array of a chat request.
//
// Parameters:
//   - messages: The gjson result for the "messages" field
//
// Returns:
//   - []ChatMessage: The decoded messages in request order
//   - error: A description of the first malformed message, if any
func ParseMessages(messages gjson.Result) ([]ChatMessage, error) {
	if !messages.IsArray() {
		return nil, fmt.Errorf("messages must be an array")
	}
	out := make([]ChatMessage, 0, len(messages.Array()))
	var parseErr error
	messages.ForEach(func(idx, msg gjson.Result) bool {
		if !msg.IsObject() {
			parseErr = fmt.Errorf("messages[%d] must be an object", idx.Int())
			return false
		}
		role := msg.Get("role")
		if role.Type != gjson.String || strings.TrimSpace(role.String()) == "" {
			parseErr = fmt.Errorf("messages[%d].role is required", idx.Int())
			return false
		}
		m := ChatMessage{Role: role.String()}
		content := msg.Get("content")
		switch {
		case !content.Exists() || content.Type == gjson.Null:
		case content.Type == gjson.String:
			m.Text = content.String()
		case content.IsArray():
			m.IsParts = true
			parts, err := parseParts(content)
			if err != nil {
				parseErr = fmt.Errorf("messages[%d].content: %w", idx.Int(), err)
				return false
			}
			m.Parts = parts
		default:
			parseErr = fmt.Errorf("messages[%d].content must be a string or an array of parts", idx.Int())
			return false
		}
		out = append(out, m)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return out, nil
}

func parseParts(content gjson.Result) ([]ContentPart, error) {
	parts := make([]ContentPart, 0, len(content.Array()))
	var err error
	content.ForEach(func(idx, part gjson.Result) bool {
		if part.Type == gjson.String {
			parts = append(parts, ContentPart{Type: PartText, Text: part.String()})
			return true
		}
		if !part.IsObject() {
			err = fmt.Errorf("part %d must be an object", idx.Int())
			return false
		}
		switch part.Get("type").String() {
		case "text", "input_text":
			parts = append(parts, ContentPart{Type: PartText, Text: part.Get("text").String()})
		case "image_url", "input_image":
			url := part.Get("image_url.url")
			if !url.Exists() {
				url = part.Get("image_url")
			}
			if url.Type == gjson.String && url.String() != "" {
				parts = append(parts, ContentPart{Type: PartImage, ImageURL: url.String()})
			}
		default:
			// audio, files and unknown part kinds have no slot in the Replicate input.
		}
		return true
	})
	return parts, err
}

// NormalizeMessages flattens messages into a system prompt, a conversation transcript and
// the image references found on user messages.
//
// Parameters:
//   - messages: The parsed chat messages
//
// Returns:
//   - Conversation: The flattened conversation
//   - bool: false when messages is empty or could not be processed
func NormalizeMessages(messages []ChatMessage) (conv Conversation, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("message normalization failed: %v", r)
			conv, ok = Conversation{}, false
		}
	}()
	if len(messages) == 0 {
		return Conversation{}, false
	}

	var system []string
	remaining := make([]ChatMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, messageText(m))
			continue
		}
		remaining = append(remaining, m)
	}
	conv.SystemPrompt = strings.TrimRight(strings.Join(system, "\n"), " \t\r\n")

	var sb strings.Builder
	for _, m := range remaining {
		if m.Role == RoleUser && m.IsParts {
			m, conv.ImageURLs = extractImages(m, conv.ImageURLs)
		}
		text := messageText(m)
		if text == "" {
			continue
		}
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	conv.ConversationText = sb.String()
	return conv, true
}

// extractImages moves image parts out of a user message, appending their URLs in order.
func extractImages(m ChatMessage, urls []string) (ChatMessage, []string) {
	kept := make([]ContentPart, 0, len(m.Parts))
	for _, p := range m.Parts {
		if p.Type == PartImage {
			urls = append(urls, p.ImageURL)
			continue
		}
		kept = append(kept, p)
	}
	m.Parts = kept
	return m, urls
}

// messageText returns the string content or the space-joined text parts.
func messageText(m ChatMessage) string {
	if !m.IsParts {
		return m.Text
	}
	texts := make([]string, 0, len(m.Parts))
	for _, p := range m.Parts {
		if p.Type == PartText {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, " ")
}

// ClampMaxTokens applies the default and the bounds to a requested max_tokens.
// A nil request, zero, or a value below the minimum yields the default.
func ClampMaxTokens(requested *int64, limits TokenLimits) int {
	if requested == nil || *requested == 0 || *requested < int64(limits.Min) {
		return limits.Default
	}
	if *requested > int64(limits.Max) {
		return limits.Max
	}
	return int(*requested)
}

// BuildInput assembles the Replicate prediction input from a normalized conversation.
// When several images were found only the last one is sent, since the input has a single
// image slot.
func BuildInput(conv Conversation, maxTokens *int64, limits TokenLimits) interfaces.NormalizedInput {
	input := interfaces.NormalizedInput{
		Prompt:             conv.ConversationText,
		SystemPrompt:       conv.SystemPrompt,
		MaxTokens:          ClampMaxTokens(maxTokens, limits),
		MaxImageResolution: interfaces.MaxImageResolution,
	}
	if n := len(conv.ImageURLs); n > 0 {
		input.Image = conv.ImageURLs[n-1]
	}
	return input
}

// ConvertOpenAIRequestToReplicate parses and normalizes a raw chat request body.
//
// Parameters:
//   - rawJSON: The raw JSON request data from the OpenAI API
//   - limits: The max_tokens bounds
//
// Returns:
//   - interfaces.NormalizedInput: The backend-ready input
//   - error: Non-nil when the messages are missing, empty or malformed
func ConvertOpenAIRequestToReplicate(rawJSON []byte, limits TokenLimits) (interfaces.NormalizedInput, error) {
	messages, err := ParseMessages(gjson.GetBytes(rawJSON, "messages"))
	if err != nil {
		return interfaces.NormalizedInput{}, err
	}
	conv, ok := NormalizeMessages(messages)
	if !ok {
		return interfaces.NormalizedInput{}, fmt.Errorf("messages must be a non-empty array")
	}
	var maxTokens *int64
	if mt := gjson.GetBytes(rawJSON, "max_tokens"); mt.Type == gjson.Number {
		maxTokens = requestedMaxTokens(mt, limits)
	} else if mt = gjson.GetBytes(rawJSON, "max_completion_tokens"); mt.Type == gjson.Number {
		maxTokens = requestedMaxTokens(mt, limits)
	}
	return BuildInput(conv, maxTokens, limits), nil
}

// requestedMaxTokens reads a JSON number as a float and range-checks it before converting,
// so float-form or huge values (1e20) saturate instead of overflowing int64.
// Values below the minimum map to zero, which ClampMaxTokens turns into the default.
func requestedMaxTokens(v gjson.Result, limits TokenLimits) *int64 {
	f := v.Float()
	var n int64
	switch {
	case f >= float64(limits.Max):
		n = int64(limits.Max)
	case f < float64(limits.Min):
		n = 0
	default:
		n = int64(f)
	}
	return &n
}
