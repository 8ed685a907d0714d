package chat_completions

import (
	"strings"
	"testing"

	"github.com/router-for-me/ReplicateProxyAPI/internal/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func encodeAll(state *StreamState, events []interfaces.BackendEvent) []string {
	var out []string
	for _, ev := range events {
		chunks, _ := ConvertReplicateEventToOpenAI(state, ev)
		out = append(out, chunks...)
	}
	return out
}

func TestConvertReplicateEventToOpenAI_ChunkSequence(t *testing.T) {
	state := NewStreamState("chatcmpl-1", "claude-4-sonnet", 1700000000)

	chunks := encodeAll(state, []interfaces.BackendEvent{
		interfaces.OutputEvent("He"),
		interfaces.OutputEvent("llo"),
		interfaces.DoneEvent(),
	})

	require.Len(t, chunks, 4)
	assert.Equal(t, "assistant", gjson.Get(chunks[0], "choices.0.delta.role").String())
	assert.False(t, gjson.Get(chunks[0], "choices.0.delta.content").Exists())
	assert.Equal(t, "He", gjson.Get(chunks[1], "choices.0.delta.content").String())
	assert.Equal(t, "llo", gjson.Get(chunks[2], "choices.0.delta.content").String())
	assert.Equal(t, "stop", gjson.Get(chunks[3], "choices.0.finish_reason").String())
	assert.Equal(t, "{}", gjson.Get(chunks[3], "choices.0.delta").Raw)
	for _, field := range []string{"prompt_tokens", "completion_tokens", "total_tokens"} {
		assert.Equal(t, int64(0), gjson.Get(chunks[3], "usage."+field).Int())
	}
	for _, c := range chunks {
		assert.Equal(t, "chat.completion.chunk", gjson.Get(c, "object").String())
		assert.Equal(t, "chatcmpl-1", gjson.Get(c, "id").String())
		assert.Equal(t, "claude-4-sonnet", gjson.Get(c, "model").String())
		assert.Equal(t, int64(1700000000), gjson.Get(c, "created").Int())
	}
	assert.True(t, state.Finished())
}

func TestConvertReplicateEventToOpenAI_DoneFirstStillSendsRole(t *testing.T) {
	state := NewStreamState("id", "m", 1)
	chunks, done := ConvertReplicateEventToOpenAI(state, interfaces.DoneEvent())
	assert.True(t, done)
	require.Len(t, chunks, 2)
	assert.Equal(t, "assistant", gjson.Get(chunks[0], "choices.0.delta.role").String())
	assert.Equal(t, "stop", gjson.Get(chunks[1], "choices.0.finish_reason").String())
}

func TestConvertReplicateEventToOpenAI_IgnoresEventsAfterDone(t *testing.T) {
	state := NewStreamState("id", "m", 1)
	encodeAll(state, []interfaces.BackendEvent{interfaces.DoneEvent()})
	chunks, done := ConvertReplicateEventToOpenAI(state, interfaces.OutputEvent("late"))
	assert.Empty(t, chunks)
	assert.True(t, done)
}

func TestConvertReplicateEventToOpenAI_PreservesExactText(t *testing.T) {
	state := NewStreamState("id", "m", 1)
	text := "  line one\n\t\"quoted\" <b>é</b>"
	chunks := encodeAll(state, []interfaces.BackendEvent{interfaces.OutputEvent(text)})
	require.Len(t, chunks, 2)
	assert.Equal(t, text, gjson.Get(chunks[1], "choices.0.delta.content").String())
}

func TestConvertReplicateEventToOpenAI_Idempotent(t *testing.T) {
	events := []interfaces.BackendEvent{
		interfaces.OutputEvent("a"),
		interfaces.OutputEvent("b c"),
		interfaces.DoneEvent(),
	}
	first := encodeAll(NewStreamState("chatcmpl-x", "m", 42), events)
	second := encodeAll(NewStreamState("chatcmpl-x", "m", 42), events)
	assert.Equal(t, strings.Join(first, "\n"), strings.Join(second, "\n"))
}

func TestConvertReplicateResponseToOpenAINonStream(t *testing.T) {
	out := ConvertReplicateResponseToOpenAINonStream("chatcmpl-2", "claude-3.5-haiku", 99, "hello world")

	assert.Equal(t, "chat.completion", gjson.Get(out, "object").String())
	assert.Equal(t, "chatcmpl-2", gjson.Get(out, "id").String())
	assert.Equal(t, "claude-3.5-haiku", gjson.Get(out, "model").String())
	assert.Equal(t, "assistant", gjson.Get(out, "choices.0.message.role").String())
	assert.Equal(t, "hello world", gjson.Get(out, "choices.0.message.content").String())
	assert.Equal(t, "stop", gjson.Get(out, "choices.0.finish_reason").String())
	assert.Equal(t, int64(0), gjson.Get(out, "usage.total_tokens").Int())
	assert.True(t, gjson.Get(out, "usage.prompt_tokens").Exists())
}

func TestNewCompletionID(t *testing.T) {
	id := NewCompletionID()
	assert.True(t, strings.HasPrefix(id, "chatcmpl-"))
	assert.NotContains(t, strings.TrimPrefix(id, "chatcmpl-"), "-")
	assert.NotEqual(t, id, NewCompletionID())
}
