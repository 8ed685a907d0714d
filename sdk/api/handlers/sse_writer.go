package handlers

import (
	"bytes"
	"io"
	"sync"
)

var sseBufferPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

var (
	sseDataPrefix  = []byte("data: ")
	sseErrorPrefix = []byte("event: error\ndata: ")
	sseSuffix      = []byte("\n\n")
	sseDone        = []byte("data: [DONE]\n\n")
	sseKeepAlive   = []byte(": keep-alive\n\n")
)

// writeSSEFrame writes prefix+payload+"\n\n" in a single Write so a frame is never split
// across flushes.
func writeSSEFrame(w io.Writer, prefix, payload []byte) {
	if w == nil || len(payload) == 0 {
		return
	}
	buf := sseBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	buf.Grow(len(prefix) + len(payload) + len(sseSuffix))
	_, _ = buf.Write(prefix)
	_, _ = buf.Write(payload)
	_, _ = buf.Write(sseSuffix)
	_, _ = w.Write(buf.Bytes())
	buf.Reset()
	sseBufferPool.Put(buf)
}

// WriteSSEData writes a standard SSE "data" frame.
func WriteSSEData(w io.Writer, data []byte) {
	writeSSEFrame(w, sseDataPrefix, data)
}

// WriteSSEError writes an in-band SSE error event carrying an OpenAI error envelope.
func WriteSSEError(w io.Writer, data []byte) {
	writeSSEFrame(w, sseErrorPrefix, data)
}

// WriteSSEDone writes the standard SSE done marker.
func WriteSSEDone(w io.Writer) {
	if w == nil {
		return
	}
	_, _ = w.Write(sseDone)
}

// WriteSSEKeepAlive writes an SSE comment frame that clients ignore.
func WriteSSEKeepAlive(w io.Writer) {
	if w == nil {
		return
	}
	_, _ = w.Write(sseKeepAlive)
}
