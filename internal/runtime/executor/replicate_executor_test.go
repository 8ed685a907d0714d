package executor

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/router-for-me/ReplicateProxyAPI/internal/interfaces"
	"github.com/router-for-me/ReplicateProxyAPI/internal/replicate"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend replays canned stream items and a canned synchronous result.
type fakeBackend struct {
	mu        sync.Mutex
	items     []replicate.RawEvent
	streamErr error
	block     bool
	output    any
	runErr    error
	runCalls  int
	lastModel string
	lastInput any
}

func (f *fakeBackend) Stream(ctx context.Context, model string, input any) (<-chan replicate.RawEvent, error) {
	f.mu.Lock()
	f.lastModel, f.lastInput = model, input
	f.mu.Unlock()
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	ch := make(chan replicate.RawEvent)
	go func() {
		defer close(ch)
		for _, it := range f.items {
			select {
			case ch <- it:
			case <-ctx.Done():
				return
			}
		}
		if f.block {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

func (f *fakeBackend) Run(ctx context.Context, model string, input any) (any, error) {
	f.mu.Lock()
	f.runCalls++
	f.mu.Unlock()
	if f.runErr != nil {
		return nil, f.runErr
	}
	return f.output, nil
}

type countingReporter struct {
	mu        sync.Mutex
	calls     []string
	fallbacks int
}

func (r *countingReporter) BackendCall(mode, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, mode+":"+outcome)
}

func (r *countingReporter) Fallback() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks++
}

func raw(s string) replicate.RawEvent { return replicate.RawEvent{Data: []byte(s)} }

func newTestExecutor(b Backend, rep Reporter) *ReplicateExecutor {
	return NewReplicateExecutor(b, "anthropic/claude-4-sonnet", Options{Reporter: rep}, log.WithField("request_id", "test"))
}

func drain(t *testing.T, ch <-chan StreamChunk) ([]interfaces.BackendEvent, error) {
	t.Helper()
	var events []interfaces.BackendEvent
	var err error
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return events, err
			}
			if chunk.Err != nil {
				err = chunk.Err
				continue
			}
			events = append(events, chunk.Event)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func texts(events []interfaces.BackendEvent) []string {
	var out []string
	for _, ev := range events {
		if ev.Kind == interfaces.EventOutput {
			out = append(out, ev.Text)
		}
	}
	return out
}

func TestStreamResponse_RawStrings(t *testing.T) {
	backend := &fakeBackend{items: []replicate.RawEvent{raw(`"He"`), raw(`"llo"`)}}

	events, err := drain(t, newTestExecutor(backend, nil).StreamResponse(context.Background(), interfaces.NormalizedInput{Prompt: "user: hi\n"}))

	require.NoError(t, err)
	assert.Equal(t, []interfaces.BackendEvent{
		interfaces.OutputEvent("He"),
		interfaces.OutputEvent("llo"),
		interfaces.DoneEvent(),
	}, events)
	assert.Equal(t, "anthropic/claude-4-sonnet", backend.lastModel)
	assert.Equal(t, 0, backend.runCalls)
}

func TestStreamResponse_StopsAtDone(t *testing.T) {
	backend := &fakeBackend{items: []replicate.RawEvent{
		raw(`{"event":"output","data":"a"}`),
		raw(`{"event":"logs","data":"loading weights"}`),
		raw(`{"event":"done","data":"{}"}`),
		raw(`{"event":"output","data":"late"}`),
	}, block: true}

	events, err := drain(t, newTestExecutor(backend, nil).StreamResponse(context.Background(), interfaces.NormalizedInput{}))

	require.NoError(t, err)
	assert.Equal(t, []interfaces.BackendEvent{interfaces.OutputEvent("a"), interfaces.DoneEvent()}, events)
}

func TestStreamResponse_DropsInvalidPayloads(t *testing.T) {
	backend := &fakeBackend{items: []replicate.RawEvent{
		raw(`""`), raw(`"null"`), raw(`"{}"`), raw(`42`), raw(`not json`), raw(`"ok"`),
	}}

	events, err := drain(t, newTestExecutor(backend, nil).StreamResponse(context.Background(), interfaces.NormalizedInput{}))

	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, texts(events))
	assert.Equal(t, interfaces.EventDone, events[len(events)-1].Kind)
}

func TestStreamResponse_FallbackWhenStreamFailsMidFlight(t *testing.T) {
	full := "The quick brown fox jumps over the lazy dog."
	backend := &fakeBackend{
		items:  []replicate.RawEvent{raw(`"The"`), {Err: &replicate.StreamError{Detail: "upstream reset"}}},
		output: []any{"The quick ", "brown fox jumps over the lazy dog."},
	}
	rep := &countingReporter{}

	events, err := drain(t, newTestExecutor(backend, rep).StreamResponse(context.Background(), interfaces.NormalizedInput{}))

	require.NoError(t, err)
	require.Equal(t, interfaces.OutputEvent("The"), events[0])
	fallback := events[1:]
	assert.Equal(t, interfaces.DoneEvent(), fallback[len(fallback)-1])
	chunks := texts(fallback)
	assert.Equal(t, []string{"The quick brown", " fox jumps over", " the lazy dog."}, chunks)
	assert.Equal(t, full, strings.Join(chunks, ""))
	assert.Equal(t, 1, backend.runCalls)
	assert.Equal(t, 1, rep.fallbacks)
	assert.Equal(t, []string{"stream:error", "sync:success"}, rep.calls)
}

func TestStreamResponse_FallbackWhenStreamCannotOpen(t *testing.T) {
	backend := &fakeBackend{streamErr: replicate.ErrStreamUnsupported, output: "hello world"}

	events, err := drain(t, newTestExecutor(backend, nil).StreamResponse(context.Background(), interfaces.NormalizedInput{}))

	require.NoError(t, err)
	assert.Equal(t, []string{"hello world"}, texts(events))
	assert.Equal(t, interfaces.EventDone, events[len(events)-1].Kind)
}

func TestStreamResponse_FallbackFailurePropagatesClassifiedError(t *testing.T) {
	backend := &fakeBackend{
		streamErr: errors.New("dial tcp: connection refused"),
		runErr:    &replicate.APIError{StatusCode: http.StatusTooManyRequests, Detail: "slow down"},
	}

	events, err := drain(t, newTestExecutor(backend, nil).StreamResponse(context.Background(), interfaces.NormalizedInput{}))

	assert.Empty(t, events)
	var backendErr *BackendError
	require.True(t, errors.As(err, &backendErr))
	assert.Equal(t, http.StatusTooManyRequests, backendErr.Status)
	assert.Equal(t, "slow down", backendErr.Message)
}

func TestStreamResponse_CancellationDoesNotFallBack(t *testing.T) {
	backend := &fakeBackend{items: []replicate.RawEvent{raw(`"a"`)}, block: true, output: "should not run"}
	ctx, cancel := context.WithCancel(context.Background())
	ch := newTestExecutor(backend, nil).StreamResponse(ctx, interfaces.NormalizedInput{})

	first := <-ch
	assert.Equal(t, interfaces.OutputEvent("a"), first.Event)
	cancel()
	_, err := drain(t, ch)

	assert.NoError(t, err)
	assert.Equal(t, 0, backend.runCalls)
}

func TestGetResponse(t *testing.T) {
	backend := &fakeBackend{output: []any{"hello", " ", "world"}}
	text, err := newTestExecutor(backend, nil).GetResponse(context.Background(), interfaces.NormalizedInput{})
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
}

func TestGetResponse_ClassifiesErrors(t *testing.T) {
	backend := &fakeBackend{runErr: &replicate.PredictionError{ID: "p", Status: replicate.StatusFailed, Message: "bad input"}}
	_, err := newTestExecutor(backend, nil).GetResponse(context.Background(), interfaces.NormalizedInput{})

	var backendErr *BackendError
	require.True(t, errors.As(err, &backendErr))
	assert.Equal(t, http.StatusInternalServerError, backendErr.StatusCode())
	assert.Equal(t, "bad input", backendErr.Message)
}

func TestSplitRunes_RoundTrip(t *testing.T) {
	for _, s := range []string{"hello world", "", "exactly15chars!", "héllo wörld ünïcödé 日本語のテキストです", strings.Repeat("ab", 40)} {
		chunks := SplitRunes(s, 15)
		assert.Equal(t, s, strings.Join(chunks, ""), s)
		for _, c := range chunks {
			assert.LessOrEqual(t, len([]rune(c)), 15)
		}
	}
	assert.Equal(t, []string{"hello world"}, SplitRunes("hello world", 15))
	assert.Equal(t, []string{"abc", "def", "g"}, SplitRunes("abcdefg", 3))
}

func TestNewReplicateExecutor_Defaults(t *testing.T) {
	e := NewReplicateExecutor(&fakeBackend{}, "a/b", Options{}, nil)
	assert.Equal(t, DefaultFallbackChunkSize, e.opts.FallbackChunkSize)
	assert.NotNil(t, e.log)
	assert.NotNil(t, e.reporter)
}
