package v1

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/deepsearch/ai/agent"
)

// genericStreamError is the only error detail a caller ever sees mid-turn.
const genericStreamError = "Oops, an error occurred!"

var errSinkClosed = errors.New("stream already closed")

// flushWriter is the transport surface the sink needs. echo.Response
// satisfies it.
type flushWriter interface {
	http.ResponseWriter
	Flush()
}

// sseSink encodes stream events as server-sent events. Events are written
// and flushed one frame at a time in the order they are sent; a slow client
// blocks the producer instead of growing a buffer. Only the turn's
// producing goroutine touches the sink.
type sseSink struct {
	w      flushWriter
	cancel context.CancelFunc
	closed bool
}

func newSSESink(w flushWriter, cancel context.CancelFunc) *sseSink {
	return &sseSink{w: w, cancel: cancel}
}

// Send writes one event frame. A transport write failure cancels the turn
// context so the producer stops promptly.
func (s *sseSink) Send(event *agent.StreamEvent) error {
	if s.closed {
		return errSinkClosed
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "failed to encode stream event")
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		s.cancel()
		return errors.Wrap(err, "stream write failed")
	}
	s.w.Flush()
	return nil
}

// Close terminates the stream with a done frame, or a generic error frame
// when err is non-nil. Internal error detail stays in the log.
func (s *sseSink) Close(err error) {
	if s.closed {
		return
	}
	s.closed = true

	event := &agent.StreamEvent{Type: agent.EventTypeDone, Timestamp: time.Now().UnixMilli()}
	if err != nil {
		event = &agent.StreamEvent{Type: agent.EventTypeError, Error: genericStreamError, Timestamp: time.Now().UnixMilli()}
	}
	data, merr := json.Marshal(event)
	if merr != nil {
		slog.Error("failed to encode terminal stream event", "error", merr)
		return
	}
	if _, werr := fmt.Fprintf(s.w, "data: %s\n\n", data); werr != nil {
		// Client is already gone; nothing left to deliver.
		return
	}
	s.w.Flush()
}
