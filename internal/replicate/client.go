// Package replicate implements the subset of the Replicate HTTP API the proxy needs:
// creating predictions, consuming their server-sent event streams and polling them to completion.
package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Prediction statuses reported by Replicate.
const (
	StatusStarting   = "starting"
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
)

const (
	defaultBaseURL      = "https://api.replicate.com"
	defaultPollInterval = 500 * time.Millisecond
	defaultUserAgent    = "replicate-proxy/1.0"
	maxErrorBodyBytes   = 1 << 20
	maxPreferWait       = 60 * time.Second
	cancelTimeout       = 5 * time.Second
)

// ErrStreamUnsupported is returned by Stream when the prediction has no stream URL.
var ErrStreamUnsupported = errors.New("replicate: model does not support streaming")

// PredictionURLs holds the follow-up endpoints of a prediction.
type PredictionURLs struct {
	Get    string `json:"get"`
	Stream string `json:"stream"`
	Cancel string `json:"cancel"`
}

// Prediction is the subset of the prediction object the proxy reads.
type Prediction struct {
	ID      string          `json:"id"`
	Model   string          `json:"model"`
	Version string          `json:"version"`
	Status  string          `json:"status"`
	Output  json.RawMessage `json:"output"`
	Error   json.RawMessage `json:"error"`
	URLs    PredictionURLs  `json:"urls"`
}

// Terminal reports whether the prediction will not change status again.
func (p *Prediction) Terminal() bool {
	switch p.Status {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// ErrorMessage returns the prediction's error as text.
func (p *Prediction) ErrorMessage() string {
	if len(p.Error) == 0 {
		return ""
	}
	res := gjson.ParseBytes(p.Error)
	switch {
	case res.Type == gjson.Null:
		return ""
	case res.Type == gjson.String:
		return res.String()
	case res.Get("detail").Exists():
		return res.Get("detail").String()
	default:
		return res.Raw
	}
}

// RawEvent is one item read from a prediction stream. Data holds a JSON value; Err is set
// on the final item when the stream failed.
type RawEvent struct {
	Data []byte
	Err  error
}

// Client talks to the Replicate API with a single caller credential.
type Client struct {
	// BaseURL is the API root without a trailing slash.
	BaseURL string
	// HTTPClient performs the requests. Streams rely on the caller's context for deadlines.
	HTTPClient *http.Client
	// PollInterval is the pause between polls of an unfinished prediction.
	PollInterval time.Duration
	// PreferWait is sent as "Prefer: wait=N" on synchronous predictions. 0 disables it.
	PreferWait time.Duration
	// UserAgent identifies the proxy.
	UserAgent string

	token string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API root.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/"); trimmed != "" {
			c.BaseURL = trimmed
		}
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.HTTPClient = hc
		}
	}
}

// WithPollInterval sets the prediction poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.PollInterval = d
		}
	}
}

// WithPreferWait sets the synchronous wait hint.
func WithPreferWait(d time.Duration) Option {
	return func(c *Client) { c.PreferWait = d }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.UserAgent = ua
		}
	}
}

// NewClient returns a client authenticating with token.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		BaseURL:      defaultBaseURL,
		HTTPClient:   &http.Client{},
		PollInterval: defaultPollInterval,
		PreferWait:   maxPreferWait,
		UserAgent:    defaultUserAgent,
		token:        token,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ParseModelRef splits "owner/name" or "owner/name:version".
func ParseModelRef(ref string) (owner, name, version string, err error) {
	ref = strings.TrimSpace(ref)
	base, version, _ := strings.Cut(ref, ":")
	owner, name, ok := strings.Cut(base, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", "", fmt.Errorf("replicate: invalid model reference %q", ref)
	}
	return owner, name, version, nil
}

// CreatePrediction starts a prediction for model with the given input.
// Synchronous predictions carry the Prefer: wait hint so short runs return completed.
func (c *Client) CreatePrediction(ctx context.Context, model string, input any, stream bool) (*Prediction, error) {
	owner, name, version, err := ParseModelRef(model)
	if err != nil {
		return nil, err
	}

	body := []byte(`{}`)
	endpoint := c.BaseURL + "/v1/models/" + url.PathEscape(owner) + "/" + url.PathEscape(name) + "/predictions"
	if version != "" {
		endpoint = c.BaseURL + "/v1/predictions"
		body, _ = sjson.SetBytes(body, "version", version)
	}
	if body, err = sjson.SetBytes(body, "input", input); err != nil {
		return nil, fmt.Errorf("replicate: encode input: %w", err)
	}
	if stream {
		body, _ = sjson.SetBytes(body, "stream", true)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.applyHeaders(req, false)
	if !stream && c.PreferWait > 0 {
		req.Header.Set("Prefer", "wait="+strconv.Itoa(preferWaitSeconds(c.PreferWait)))
	}
	return c.doPrediction(req)
}

// GetPrediction fetches the current state of a prediction.
func (c *Client) GetPrediction(ctx context.Context, p *Prediction) (*Prediction, error) {
	endpoint := p.URLs.Get
	if endpoint == "" {
		endpoint = c.BaseURL + "/v1/predictions/" + url.PathEscape(p.ID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	c.applyHeaders(req, false)
	return c.doPrediction(req)
}

// CancelPrediction asks Replicate to stop a running prediction.
func (c *Client) CancelPrediction(ctx context.Context, p *Prediction) error {
	endpoint := p.URLs.Cancel
	if endpoint == "" {
		endpoint = c.BaseURL + "/v1/predictions/" + url.PathEscape(p.ID) + "/cancel"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	c.applyHeaders(req, false)
	_, err = c.doPrediction(req)
	return err
}

// Run creates a prediction and waits for it to finish, returning the decoded output.
func (c *Client) Run(ctx context.Context, model string, input any) (any, error) {
	p, err := c.CreatePrediction(ctx, model, input, false)
	if err != nil {
		return nil, err
	}
	for !p.Terminal() {
		timer := time.NewTimer(c.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.cancelDetached(ctx, p)
			return nil, ctx.Err()
		case <-timer.C:
		}
		next, errGet := c.GetPrediction(ctx, p)
		if errGet != nil {
			c.cancelDetached(ctx, p)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errGet
		}
		p = next
	}

	switch p.Status {
	case StatusSucceeded:
		if len(p.Output) == 0 {
			return nil, nil
		}
		var out any
		if err = json.Unmarshal(p.Output, &out); err != nil {
			return nil, fmt.Errorf("replicate: decode output: %w", err)
		}
		return out, nil
	default:
		return nil, &PredictionError{ID: p.ID, Status: p.Status, Message: p.ErrorMessage()}
	}
}

// Stream creates a streaming prediction and yields its events in arrival order.
// Frames with an event field are delivered as {"event":..,"data":..} objects; data-only frames
// are delivered as their JSON value, or as a JSON string when the data is not JSON.
// An "error" event or a read failure is delivered as the final item's Err.
// The prediction is canceled whenever the stream ends without a done event.
func (c *Client) Stream(ctx context.Context, model string, input any) (<-chan RawEvent, error) {
	p, err := c.CreatePrediction(ctx, model, input, true)
	if err != nil {
		return nil, err
	}
	if p.URLs.Stream == "" {
		c.cancelDetached(ctx, p)
		return nil, ErrStreamUnsupported
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URLs.Stream, nil)
	if err != nil {
		c.cancelDetached(ctx, p)
		return nil, err
	}
	c.applyHeaders(req, true)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		c.cancelDetached(ctx, p)
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		closeBody(resp)
		c.cancelDetached(ctx, p)
		return nil, newAPIError(resp, b)
	}

	out := make(chan RawEvent)
	go func() {
		defer close(out)
		defer closeBody(resp)
		// Any exit before the done event leaves the prediction running upstream.
		sawDone := false
		defer func() {
			if !sawDone {
				c.cancelDetached(ctx, p)
			}
		}()

		send := func(ev RawEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		reader := newSSEReader(resp.Body)
		for {
			frame, errNext := reader.Next()
			if errNext != nil {
				if ctx.Err() == nil && !errors.Is(errNext, io.EOF) {
					send(RawEvent{Err: errNext})
				}
				return
			}
			if frame.Event == "error" {
				send(RawEvent{Err: &StreamError{Detail: streamErrorDetail(frame.Data)}})
				return
			}
			if !send(RawEvent{Data: encodeFrame(frame)}) {
				return
			}
			if frame.Event == "done" {
				sawDone = true
				return
			}
		}
	}()
	return out, nil
}

// cancelDetached cancels p even when its request context already ended, bounded by its own timeout.
func (c *Client) cancelDetached(ctx context.Context, p *Prediction) {
	cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	if err := c.CancelPrediction(cancelCtx, p); err != nil {
		log.Debugf("replicate: cancel prediction %s: %v", p.ID, err)
	}
}

func (c *Client) doPrediction(req *http.Request) (*Prediction, error) {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, newAPIError(resp, b)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var p Prediction
	if err = json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("replicate: decode prediction: %w", err)
	}
	return &p, nil
}

func (c *Client) applyHeaders(r *http.Request, stream bool) {
	r.Header.Set("Authorization", "Bearer "+c.token)
	r.Header.Set("User-Agent", c.UserAgent)
	if stream {
		r.Header.Set("Accept", "text/event-stream")
		r.Header.Set("Cache-Control", "no-store")
		return
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Accept", "application/json")
}

func closeBody(resp *http.Response) {
	if errClose := resp.Body.Close(); errClose != nil {
		log.Errorf("replicate: close response body error: %v", errClose)
	}
}

func preferWaitSeconds(d time.Duration) int {
	if d > maxPreferWait {
		d = maxPreferWait
	}
	secs := int(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func encodeFrame(f sseFrame) []byte {
	if f.Event != "" {
		raw, _ := sjson.SetBytes([]byte(`{}`), "event", f.Event)
		raw, _ = sjson.SetBytes(raw, "data", f.Data)
		return raw
	}
	if gjson.Valid(f.Data) {
		return []byte(f.Data)
	}
	raw, _ := json.Marshal(f.Data)
	return raw
}

func streamErrorDetail(data string) string {
	if gjson.Valid(data) {
		if detail := gjson.Get(data, "detail"); detail.Exists() {
			return detail.String()
		}
	}
	return strings.TrimSpace(data)
}
