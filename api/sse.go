package api

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
)

var errStreamClosed = errors.New("stream closed")

// sseStream adapts an echo streaming response to the registry transport.
// Frames follow the text/event-stream format: an `event:`/`data:` pair per
// event and a bare `: comment` line for heartbeats. Writes are serialized by
// the mutex so the heartbeat task and dispatch goroutines never interleave
// frames.
type sseStream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	ctx     context.Context
	closed  bool
	done    chan struct{}
}

// newSSEStream prepares the response for streaming and returns the
// transport. The caller keeps the handler goroutine alive until Done fires
// or the request context ends.
func newSSEStream(c echo.Context) (*sseStream, error) {
	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return nil, errors.New("stream unsupported")
	}
	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set(echo.HeaderCacheControl, "no-cache")
	h.Set(echo.HeaderConnection, "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return &sseStream{
		w:       c.Response(),
		flusher: flusher,
		ctx:     c.Request().Context(),
		done:    make(chan struct{}),
	}, nil
}

func (s *sseStream) WriteFrame(eventType string, data []byte) error {
	frame := make([]byte, 0, len(eventType)+len(data)+16)
	frame = append(frame, "event: "...)
	frame = append(frame, eventType...)
	frame = append(frame, "\ndata: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	return s.write(frame)
}

func (s *sseStream) WriteComment(comment string) error {
	frame := make([]byte, 0, len(comment)+5)
	frame = append(frame, ": "...)
	frame = append(frame, comment...)
	frame = append(frame, "\n\n"...)
	return s.write(frame)
}

func (s *sseStream) write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStreamClosed
	}
	if err := s.ctx.Err(); err != nil {
		return err
	}
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Close marks the stream unusable and releases the handler goroutine. The
// underlying connection is owned by the HTTP server and closes when the
// handler returns.
func (s *sseStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return nil
}

func (s *sseStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed || s.ctx.Err() != nil
}

// Done fires when the stream has been closed server-side, e.g. by the
// reaper or an explicit unsubscribe.
func (s *sseStream) Done() <-chan struct{} {
	return s.done
}
