package stream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
)

// ChanSink hands chunks to an in-process consumer. The consumer owns C.
type ChanSink struct {
	C chan Chunk
}

func NewChanSink(buffer int) *ChanSink {
	return &ChanSink{C: make(chan Chunk, buffer)}
}

func (s *ChanSink) Send(ctx context.Context, c Chunk) error {
	select {
	case s.C <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriterSink writes newline-delimited JSON and flushes after every chunk.
type WriterSink struct {
	mu  sync.Mutex
	w   io.Writer
	enc *json.Encoder
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w, enc: json.NewEncoder(w)}
}

func (s *WriterSink) Send(ctx context.Context, c Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(c); err != nil {
		return err
	}
	switch f := s.w.(type) {
	case http.Flusher:
		f.Flush()
	case interface{ Flush() error }:
		return f.Flush()
	}
	return nil
}
