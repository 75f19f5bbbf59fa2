// Package streaming encodes and decodes response chunks as Server-Sent Events.
//
// Each chunk is a single "data: <json>" event; the stream ends with
// "data: [DONE]". A chunk carrying an error terminates the stream early.
package streaming

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmsched/pkg/types"
)

const (
	// SSEDataPrefix is the prefix for SSE data lines.
	SSEDataPrefix = "data: "

	// SSEDone is the marker for stream completion.
	SSEDone = "[DONE]"

	// ContentType is the media type of an event stream.
	ContentType = "text/event-stream"

	// MaxLineSize bounds a single event line.
	MaxLineSize = 1 << 20
)

// Writer writes chunks to an HTTP response as they arrive.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
	started bool
}

// NewWriter prepares w for streaming.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support flushing")
	}
	return &Writer{w: w, flusher: flusher}, nil
}

// Start writes the event-stream headers. It is called implicitly by the
// first WriteChunk.
func (s *Writer) Start() {
	if s.started {
		return
	}
	s.started = true
	if rw, ok := s.w.(http.ResponseWriter); ok {
		h := rw.Header()
		h.Set("Content-Type", ContentType)
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		rw.WriteHeader(http.StatusOK)
	}
}

// WriteChunk writes one chunk event and flushes it.
func (s *Writer) WriteChunk(chunk *types.StreamChunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	return s.writeEvent(data)
}

// WriteDone writes the end marker.
func (s *Writer) WriteDone() error {
	return s.writeEvent([]byte(SSEDone))
}

func (s *Writer) writeEvent(data []byte) error {
	s.Start()
	var buf bytes.Buffer
	buf.Grow(len(SSEDataPrefix) + len(data) + 2)
	buf.WriteString(SSEDataPrefix)
	buf.Write(data)
	buf.WriteString("\n\n")
	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// ErrUnexpectedEnd is returned when the body ends without the end marker.
var ErrUnexpectedEnd = errors.New("event stream ended without end marker")

// Decoder reads chunks from an event-stream body.
type Decoder struct {
	scanner *bufio.Scanner
	done    bool
}

// NewDecoder creates a decoder over r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), MaxLineSize)
	return &Decoder{scanner: scanner}
}

// Next returns the next chunk, io.EOF after the end marker, or
// ErrUnexpectedEnd if the body ends first. Comment, event and blank lines are
// skipped.
func (d *Decoder) Next() (*types.StreamChunk, error) {
	if d.done {
		return nil, io.EOF
	}
	for d.scanner.Scan() {
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 || line[0] == ':' || bytes.HasPrefix(line, []byte("event:")) {
			continue
		}
		line = bytes.TrimPrefix(line, []byte("data:"))
		line = bytes.TrimSpace(line)
		if bytes.Equal(line, []byte(SSEDone)) {
			d.done = true
			return nil, io.EOF
		}

		var chunk types.StreamChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return nil, fmt.Errorf("unmarshal chunk: %w", err)
		}
		return &chunk, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, ErrUnexpectedEnd
}
