package executor

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/router-for-me/ReplicateProxyAPI/internal/interfaces"
	"github.com/router-for-me/ReplicateProxyAPI/internal/replicate"
	log "github.com/sirupsen/logrus"
)

// DefaultFallbackChunkSize is the number of characters per synthesized fallback chunk.
const DefaultFallbackChunkSize = 15

// Backend is the Replicate surface the executor drives. *replicate.Client satisfies it.
type Backend interface {
	Stream(ctx context.Context, model string, input any) (<-chan replicate.RawEvent, error)
	Run(ctx context.Context, model string, input any) (any, error)
}

// Reporter receives backend call outcomes. Implementations must be safe for concurrent use.
type Reporter interface {
	BackendCall(mode, outcome string, elapsed time.Duration)
	Fallback()
}

type nopReporter struct{}

func (nopReporter) BackendCall(string, string, time.Duration) {}
func (nopReporter) Fallback()                                 {}

// Options tunes pacing and fallback behavior.
type Options struct {
	// ChunkDelay is the pause after each chunk forwarded from the live stream.
	ChunkDelay time.Duration
	// FallbackChunkSize is the rune count per synthesized chunk. <= 0 means 15.
	FallbackChunkSize int
	// FallbackChunkDelay is the pause between synthesized chunks.
	FallbackChunkDelay time.Duration
	// Reporter receives call outcomes. nil disables reporting.
	Reporter Reporter
}

// StreamChunk is one item of the normalized event stream. A chunk with Err is always last.
type StreamChunk struct {
	Event interfaces.BackendEvent
	Err   error
}

// ReplicateExecutor invokes one Replicate model on behalf of one request.
type ReplicateExecutor struct {
	backend  Backend
	modelID  string
	opts     Options
	log      *log.Entry
	reporter Reporter
}

// NewReplicateExecutor binds a backend and a resolved model reference for one request.
// entry carries the request's correlation fields and is used for every log line.
func NewReplicateExecutor(backend Backend, modelID string, opts Options, entry *log.Entry) *ReplicateExecutor {
	if opts.FallbackChunkSize <= 0 {
		opts.FallbackChunkSize = DefaultFallbackChunkSize
	}
	if entry == nil {
		entry = log.NewEntry(log.StandardLogger())
	}
	reporter := opts.Reporter
	if reporter == nil {
		reporter = nopReporter{}
	}
	return &ReplicateExecutor{
		backend:  backend,
		modelID:  modelID,
		opts:     opts,
		log:      entry.WithField("model", modelID),
		reporter: reporter,
	}
}

type streamState int

const (
	stateStreaming streamState = iota
	stateFallbackSync
)

// StreamResponse produces the normalized event stream for input. The channel is closed after a
// Done event, after an error chunk, or as soon as ctx ends. A failure to open or consume the live
// stream switches to one synchronous call whose result is re-chunked. Context cancellation never
// triggers that fallback.
func (e *ReplicateExecutor) StreamResponse(ctx context.Context, input interfaces.NormalizedInput) <-chan StreamChunk {
	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		state := stateStreaming
		for {
			switch state {
			case stateStreaming:
				start := time.Now()
				err := e.consumeStream(ctx, input, out)
				if err == nil {
					e.reporter.BackendCall("stream", "success", time.Since(start))
					return
				}
				if ctx.Err() != nil {
					e.reporter.BackendCall("stream", "canceled", time.Since(start))
					return
				}
				e.reporter.BackendCall("stream", "error", time.Since(start))
				e.reporter.Fallback()
				e.log.Warnf("replicate stream failed, falling back to synchronous call: %v", err)
				state = stateFallbackSync
			case stateFallbackSync:
				if err := e.emitFallback(ctx, input, out); err != nil && ctx.Err() == nil {
					e.send(ctx, out, StreamChunk{Err: err})
				}
				return
			}
		}
	}()
	return out
}

// consumeStream forwards live events. It returns nil once Done has been sent.
func (e *ReplicateExecutor) consumeStream(ctx context.Context, input interfaces.NormalizedInput, out chan<- StreamChunk) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	raw, err := e.backend.Stream(streamCtx, e.modelID, input)
	if err != nil {
		return err
	}

	var forwarded, dropped int
	for {
		var (
			item replicate.RawEvent
			ok   bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok = <-raw:
		}
		if !ok {
			break
		}
		if item.Err != nil {
			return item.Err
		}

		ev := ParseEvent(item.Data)
		switch ev.Kind {
		case interfaces.EventIgnored:
			dropped++
			e.log.Debugf("dropping unrecognized stream payload (%d bytes)", len(item.Data))
			continue
		case interfaces.EventDone:
			e.log.Debugf("replicate stream done: forwarded=%d dropped=%d", forwarded, dropped)
			if !e.send(ctx, out, StreamChunk{Event: ev}) {
				return ctx.Err()
			}
			return nil
		}

		if !e.send(ctx, out, StreamChunk{Event: ev}) {
			return ctx.Err()
		}
		forwarded++
		if err = sleepContext(ctx, e.opts.ChunkDelay); err != nil {
			return err
		}
	}

	e.log.Debugf("replicate stream ended without done event: forwarded=%d dropped=%d", forwarded, dropped)
	if !e.send(ctx, out, StreamChunk{Event: interfaces.DoneEvent()}) {
		return ctx.Err()
	}
	return nil
}

// emitFallback runs the synchronous call and replays its text as fixed-size chunks.
func (e *ReplicateExecutor) emitFallback(ctx context.Context, input interfaces.NormalizedInput, out chan<- StreamChunk) error {
	text, err := e.GetResponse(ctx, input)
	if err != nil {
		return err
	}
	chunks := SplitRunes(text, e.opts.FallbackChunkSize)
	e.log.Debugf("replaying fallback result: chars=%d chunks=%d", utf8.RuneCountInString(text), len(chunks))
	for i, chunk := range chunks {
		if !isValidText(chunk) {
			continue
		}
		if i > 0 {
			if err = sleepContext(ctx, e.opts.FallbackChunkDelay); err != nil {
				return err
			}
		}
		if !e.send(ctx, out, StreamChunk{Event: interfaces.OutputEvent(chunk)}) {
			return ctx.Err()
		}
	}
	if !e.send(ctx, out, StreamChunk{Event: interfaces.DoneEvent()}) {
		return ctx.Err()
	}
	return nil
}

// GetResponse runs one synchronous prediction and returns its text. Errors are classified.
func (e *ReplicateExecutor) GetResponse(ctx context.Context, input interfaces.NormalizedInput) (string, error) {
	start := time.Now()
	output, err := e.backend.Run(ctx, e.modelID, input)
	if err != nil {
		outcome := "error"
		if ctx.Err() != nil {
			outcome = "canceled"
		}
		e.reporter.BackendCall("sync", outcome, time.Since(start))
		return "", ClassifyError(err)
	}
	e.reporter.BackendCall("sync", "success", time.Since(start))
	return OutputText(output), nil
}

func (e *ReplicateExecutor) send(ctx context.Context, out chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// SplitRunes splits s into pieces of at most size runes, never inside a multi-byte character.
func SplitRunes(s string, size int) []string {
	if s == "" {
		return nil
	}
	if size <= 0 {
		return []string{s}
	}
	chunks := make([]string, 0, utf8.RuneCountInString(s)/size+1)
	start, count := 0, 0
	for i := range s {
		if count == size {
			chunks = append(chunks, s[start:i])
			start, count = i, 0
		}
		count++
	}
	return append(chunks, s[start:])
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
