package replicate

import (
	"bufio"
	"io"
	"strings"
)

// sseFrame is one dispatched server-sent event.
type sseFrame struct {
	Event string
	Data  string
	ID    string
}

// sseReader splits a text/event-stream body into frames. Multiple data lines are joined
// with "\n" and a single space after the field colon is dropped.
type sseReader struct {
	scanner *bufio.Scanner
}

func newSSEReader(r io.Reader) *sseReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(nil, 52_428_800) // 50MB
	return &sseReader{scanner: scanner}
}

// Next returns the next frame. It returns io.EOF once the body is exhausted.
func (r *sseReader) Next() (sseFrame, error) {
	var (
		frame   sseFrame
		data    []string
		hasData bool
	)
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" {
			if hasData || frame.Event != "" {
				frame.Data = strings.Join(data, "\n")
				return frame, nil
			}
			frame, data, hasData = sseFrame{}, nil, false
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			frame.Event = value
		case "data":
			data = append(data, value)
			hasData = true
		case "id":
			frame.ID = value
		}
	}
	if err := r.scanner.Err(); err != nil {
		return sseFrame{}, err
	}
	if hasData || frame.Event != "" {
		frame.Data = strings.Join(data, "\n")
		return frame, nil
	}
	return sseFrame{}, io.EOF
}
