package replicate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type testInput struct {
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens"`
}

func collect(t *testing.T, ch <-chan RawEvent) ([]string, error) {
	t.Helper()
	var items []string
	var lastErr error
	for ev := range ch {
		if ev.Err != nil {
			lastErr = ev.Err
			continue
		}
		items = append(items, string(ev.Data))
	}
	return items, lastErr
}

func TestParseModelRef(t *testing.T) {
	owner, name, version, err := ParseModelRef("anthropic/claude-4-sonnet")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", owner)
	assert.Equal(t, "claude-4-sonnet", name)
	assert.Empty(t, version)

	_, _, version, err = ParseModelRef("owner/model:abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", version)

	for _, bad := range []string{"", "model", "/name", "owner/", "a/b/c"} {
		_, _, _, err = ParseModelRef(bad)
		assert.Error(t, err, bad)
	}
}

func TestCreatePrediction_ModelEndpoint(t *testing.T) {
	var gotPath, gotAuth, gotPrefer string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotPrefer = r.Header.Get("Prefer")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":"p1","status":"starting","urls":{"get":"x"}}`)
	}))
	defer srv.Close()

	c := NewClient("r8_secret", WithBaseURL(srv.URL), WithPreferWait(30*time.Second))
	p, err := c.CreatePrediction(context.Background(), "anthropic/claude-4-sonnet", testInput{Prompt: "hi", MaxTokens: 10}, false)

	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)
	assert.Equal(t, "/v1/models/anthropic/claude-4-sonnet/predictions", gotPath)
	assert.Equal(t, "Bearer r8_secret", gotAuth)
	assert.Equal(t, "wait=30", gotPrefer)
	assert.Equal(t, "hi", gjson.GetBytes(gotBody, "input.prompt").String())
	assert.Equal(t, int64(10), gjson.GetBytes(gotBody, "input.max_tokens").Int())
	assert.False(t, gjson.GetBytes(gotBody, "stream").Exists())
}

func TestCreatePrediction_VersionEndpoint(t *testing.T) {
	var gotPath string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = io.WriteString(w, `{"id":"p2","status":"starting"}`)
	}))
	defer srv.Close()

	c := NewClient("tok", WithBaseURL(srv.URL+"/"))
	_, err := c.CreatePrediction(context.Background(), "owner/model:v9", map[string]any{"prompt": "x"}, true)

	require.NoError(t, err)
	assert.Equal(t, "/v1/predictions", gotPath)
	assert.Equal(t, "v9", gjson.GetBytes(gotBody, "version").String())
	assert.True(t, gjson.GetBytes(gotBody, "stream").Bool())
}

func TestCreatePrediction_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"title":"Unauthenticated","detail":"You did not pass a valid authentication token","status":401}`)
	}))
	defer srv.Close()

	_, err := NewClient("bad", WithBaseURL(srv.URL)).CreatePrediction(context.Background(), "a/b", map[string]any{}, false)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "You did not pass a valid authentication token", apiErr.Message())
	assert.Equal(t, "Unauthenticated", apiErr.Title)
	assert.NotNil(t, apiErr.Response)
}

func TestAPIError_MessageFallbacks(t *testing.T) {
	assert.Equal(t, "Title", (&APIError{StatusCode: 500, Title: "Title"}).Message())
	assert.Equal(t, "Too Many Requests", (&APIError{StatusCode: 429}).Message())
	assert.Equal(t, "unexpected response from Replicate", (&APIError{StatusCode: 599}).Message())
}

func TestRun_PollsUntilSucceeded(t *testing.T) {
	var polls atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			fmt.Fprintf(w, `{"id":"p3","status":"starting","urls":{"get":"%s/v1/predictions/p3"}}`, srv.URL)
		case r.URL.Path == "/v1/predictions/p3":
			if polls.Add(1) < 2 {
				fmt.Fprintf(w, `{"id":"p3","status":"processing","urls":{"get":"%s/v1/predictions/p3"}}`, srv.URL)
				return
			}
			_, _ = io.WriteString(w, `{"id":"p3","status":"succeeded","output":["hello"," ","world"]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient("tok", WithBaseURL(srv.URL), WithPollInterval(time.Millisecond))
	out, err := c.Run(context.Background(), "a/b", map[string]any{"prompt": "x"})

	require.NoError(t, err)
	assert.Equal(t, []any{"hello", " ", "world"}, out)
	assert.Equal(t, int32(2), polls.Load())
}

func TestRun_CompletedImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":"p4","status":"succeeded","output":"done"}`)
	}))
	defer srv.Close()

	out, err := NewClient("tok", WithBaseURL(srv.URL)).Run(context.Background(), "a/b", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "done", out)
}

func TestRun_FailedPrediction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":"p5","status":"failed","error":"prompt too long"}`)
	}))
	defer srv.Close()

	_, err := NewClient("tok", WithBaseURL(srv.URL)).Run(context.Background(), "a/b", map[string]any{})

	var predErr *PredictionError
	require.True(t, errors.As(err, &predErr))
	assert.Equal(t, "prompt too long", predErr.Message)
	assert.Equal(t, http.StatusInternalServerError, predErr.StatusCode())
}

func TestRun_ContextCanceledWhilePolling(t *testing.T) {
	var canceled atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/cancel") {
			canceled.Store(true)
			_, _ = io.WriteString(w, `{"id":"p6","status":"canceled"}`)
			return
		}
		_, _ = io.WriteString(w, `{"id":"p6","status":"processing"}`)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := NewClient("tok", WithBaseURL(srv.URL), WithPollInterval(5*time.Millisecond)).Run(ctx, "a/b", map[string]any{})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, canceled.Load())
}

func newStreamServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/models/a/b/predictions":
			fmt.Fprintf(w, `{"id":"s1","status":"starting","urls":{"stream":"%s/stream/s1","get":"%s/v1/predictions/s1"}}`, srv.URL, srv.URL)
		case "/stream/s1":
			assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = io.WriteString(w, body)
		default:
			_, _ = io.WriteString(w, `{}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStream_EventFrames(t *testing.T) {
	body := "event: output\nid: 1\ndata: He\n\n" +
		"event: output\ndata:  llo\n\n" +
		": comment\n\n" +
		"event: output\ndata: line1\ndata: line2\n\n" +
		"event: done\ndata: {}\n\n" +
		"event: output\ndata: ignored after done\n\n"
	srv := newStreamServer(t, body)

	ch, err := NewClient("tok", WithBaseURL(srv.URL)).Stream(context.Background(), "a/b", map[string]any{})
	require.NoError(t, err)
	items, streamErr := collect(t, ch)

	require.NoError(t, streamErr)
	require.Len(t, items, 4)
	assert.Equal(t, "output", gjson.Get(items[0], "event").String())
	assert.Equal(t, "He", gjson.Get(items[0], "data").String())
	assert.Equal(t, " llo", gjson.Get(items[1], "data").String())
	assert.Equal(t, "line1\nline2", gjson.Get(items[2], "data").String())
	assert.Equal(t, "done", gjson.Get(items[3], "event").String())
}

func TestStream_DataOnlyFrames(t *testing.T) {
	srv := newStreamServer(t, "data: plain text\n\ndata: \"quoted\"\n\ndata: {\"data\":\"x\"}\n\n")

	ch, err := NewClient("tok", WithBaseURL(srv.URL)).Stream(context.Background(), "a/b", map[string]any{})
	require.NoError(t, err)
	items, streamErr := collect(t, ch)

	require.NoError(t, streamErr)
	assert.Equal(t, []string{`"plain text"`, `"quoted"`, `{"data":"x"}`}, items)
}

func TestStream_ErrorEvent(t *testing.T) {
	srv := newStreamServer(t, "event: output\ndata: a\n\nevent: error\ndata: {\"detail\":\"model crashed\"}\n\n")

	ch, err := NewClient("tok", WithBaseURL(srv.URL)).Stream(context.Background(), "a/b", map[string]any{})
	require.NoError(t, err)
	items, streamErr := collect(t, ch)

	assert.Len(t, items, 1)
	var se *StreamError
	require.True(t, errors.As(streamErr, &se))
	assert.Equal(t, "model crashed", se.Detail)
}

func TestStream_NoStreamURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":"s2","status":"starting","urls":{}}`)
	}))
	defer srv.Close()

	_, err := NewClient("tok", WithBaseURL(srv.URL)).Stream(context.Background(), "a/b", map[string]any{})
	assert.ErrorIs(t, err, ErrStreamUnsupported)
}

func TestStream_StreamEndpointFailure(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			fmt.Fprintf(w, `{"id":"s3","urls":{"stream":"%s/stream"}}`, srv.URL)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient("tok", WithBaseURL(srv.URL)).Stream(context.Background(), "a/b", map[string]any{})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
}

// newCancelCountingStreamServer serves one streaming prediction whose stream is written by
// writeStream, and counts calls to the prediction's cancel endpoint.
func newCancelCountingStreamServer(t *testing.T, writeStream func(w http.ResponseWriter)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var cancels atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/models/a/b/predictions":
			fmt.Fprintf(w, `{"id":"s4","status":"starting","urls":{"stream":"%s/stream/s4","cancel":"%s/v1/predictions/s4/cancel"}}`, srv.URL, srv.URL)
		case "/stream/s4":
			w.Header().Set("Content-Type", "text/event-stream")
			writeStream(w)
		case "/v1/predictions/s4/cancel":
			cancels.Add(1)
			_, _ = io.WriteString(w, `{"id":"s4","status":"canceled"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &cancels
}

func TestStream_BrokenConnectionCancelsPrediction(t *testing.T) {
	srv, cancels := newCancelCountingStreamServer(t, func(w http.ResponseWriter) {
		_, _ = io.WriteString(w, "event: output\ndata: He\n\n")
		w.(http.Flusher).Flush()
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		_ = conn.Close()
	})

	ch, err := NewClient("tok", WithBaseURL(srv.URL)).Stream(context.Background(), "a/b", map[string]any{})
	require.NoError(t, err)
	items, streamErr := collect(t, ch)

	assert.Len(t, items, 1)
	assert.Error(t, streamErr)
	assert.Equal(t, int32(1), cancels.Load())
}

func TestStream_ErrorEventCancelsPrediction(t *testing.T) {
	srv, cancels := newCancelCountingStreamServer(t, func(w http.ResponseWriter) {
		_, _ = io.WriteString(w, "event: error\ndata: {\"detail\":\"boom\"}\n\n")
	})

	ch, err := NewClient("tok", WithBaseURL(srv.URL)).Stream(context.Background(), "a/b", map[string]any{})
	require.NoError(t, err)
	_, streamErr := collect(t, ch)

	assert.Error(t, streamErr)
	assert.Equal(t, int32(1), cancels.Load())
}

func TestStream_DoneDoesNotCancel(t *testing.T) {
	srv, cancels := newCancelCountingStreamServer(t, func(w http.ResponseWriter) {
		_, _ = io.WriteString(w, "event: output\ndata: hi\n\nevent: done\ndata: {}\n\n")
	})

	ch, err := NewClient("tok", WithBaseURL(srv.URL)).Stream(context.Background(), "a/b", map[string]any{})
	require.NoError(t, err)
	items, streamErr := collect(t, ch)

	require.NoError(t, streamErr)
	assert.Len(t, items, 2)
	assert.Equal(t, int32(0), cancels.Load())
}

func TestRun_PollFailureCancelsPrediction(t *testing.T) {
	var canceled atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/cancel"):
			canceled.Store(true)
			_, _ = io.WriteString(w, `{"id":"p7","status":"canceled"}`)
		case r.Method == http.MethodPost:
			_, _ = io.WriteString(w, `{"id":"p7","status":"processing"}`)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	_, err := NewClient("tok", WithBaseURL(srv.URL), WithPollInterval(time.Millisecond)).Run(context.Background(), "a/b", map[string]any{})

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.True(t, canceled.Load())
}

func TestPredictionErrorMessage(t *testing.T) {
	assert.Equal(t, "", (&Prediction{}).ErrorMessage())
	assert.Equal(t, "", (&Prediction{Error: []byte(`null`)}).ErrorMessage())
	assert.Equal(t, "boom", (&Prediction{Error: []byte(`"boom"`)}).ErrorMessage())
	assert.Equal(t, "d", (&Prediction{Error: []byte(`{"detail":"d"}`)}).ErrorMessage())
}
