// Package sse implements the server-sent events push transport: a frame
// reader and a client that opens one text/event-stream per task.
package sse

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"
	"time"
)

// maxLine bounds a single SSE line; preview payloads can be large.
const maxLine = 4 << 20

// Frame is one dispatched server-sent event.
type Frame struct {
	Event string
	ID    string
	Data  []byte
	Retry time.Duration
}

// Reader decodes frames from an event stream.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64<<10), maxLine)
	return &Reader{scanner: s}
}

// Next returns the next frame that carries data. Comment lines and frames
// without data are skipped. It returns io.EOF when the stream ends; a frame
// not terminated by a blank line is discarded.
func (r *Reader) Next() (Frame, error) {
	var (
		frame Frame
		data  bytes.Buffer
		has   bool
	)
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" {
			if has {
				frame.Data = data.Bytes()
				return frame, nil
			}
			frame = Frame{}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			if has {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			has = true
		case "event":
			frame.Event = value
		case "id":
			frame.ID = value
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				frame.Retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
	if err := r.scanner.Err(); err != nil {
		return Frame{}, err
	}
	return Frame{}, io.EOF
}
