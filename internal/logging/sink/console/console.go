// Package console writes batches as JSON lines to an io.Writer.
package console

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/Chichichkin/logpipe/internal/logging"
)

type Sink struct {
	name string

	mu     sync.Mutex
	w      io.Writer
	buf    bytes.Buffer
	closer io.Closer
	closed bool
}

func New(name string, w io.Writer) *Sink {
	if name == "" {
		name = "console"
	}
	s := &Sink{
		name: name,
		w:    w,
	}
	if c, ok := w.(io.Closer); ok && w != os.Stdout && w != os.Stderr {
		s.closer = c
	}
	return s
}

func NewStdout() *Sink {
	return New("console", os.Stdout)
}

func (s *Sink) Name() string {
	return s.name
}

func (s *Sink) Open(context.Context) error {
	return nil
}

// Write encodes the whole batch before touching the writer, so a batch
// that fails to encode leaves nothing behind for the next write.
func (s *Sink) Write(ctx context.Context, batch logging.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("console sink %s is closed", s.name)
	}

	s.buf.Reset()
	enc := json.NewEncoder(&s.buf)
	for _, event := range batch.Events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := enc.Encode(event); err != nil {
			return fmt.Errorf("encode event %d: %w", event.Seq, err)
		}
	}
	if s.buf.Len() == 0 {
		return nil
	}

	_, err := s.w.Write(s.buf.Bytes())
	s.buf.Reset()
	if err != nil {
		return fmt.Errorf("write batch %s: %w", batch.ID, err)
	}
	return nil
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
