package v1

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/deepsearch/ai/agent"
)

type flushRecorder struct {
	*httptest.ResponseRecorder
	flushes int
}

func (r *flushRecorder) Flush() {
	r.flushes++
}

func decodeFrames(t *testing.T, body string) []agent.StreamEvent {
	t.Helper()
	var events []agent.StreamEvent
	for _, frame := range strings.Split(strings.TrimSpace(body), "\n\n") {
		payload, found := strings.CutPrefix(frame, "data: ")
		require.True(t, found, "frame missing data prefix: %q", frame)
		var event agent.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(payload), &event))
		events = append(events, event)
	}
	return events
}

func TestSSESinkFrames(t *testing.T) {
	rec := &flushRecorder{ResponseRecorder: httptest.NewRecorder()}
	sink := newSSESink(rec, func() {})

	require.NoError(t, sink.Send(&agent.StreamEvent{Type: agent.EventTypeNewChat, ChatUID: "c1"}))
	require.NoError(t, sink.Send(&agent.StreamEvent{Type: agent.EventTypeText, Delta: "hello"}))
	sink.Close(nil)

	events := decodeFrames(t, rec.Body.String())
	require.Len(t, events, 3)
	assert.Equal(t, agent.EventTypeNewChat, events[0].Type)
	assert.Equal(t, "c1", events[0].ChatUID)
	assert.Equal(t, agent.EventTypeText, events[1].Type)
	assert.Equal(t, "hello", events[1].Delta)
	assert.Equal(t, agent.EventTypeDone, events[2].Type)
	assert.NotZero(t, events[0].Timestamp)

	// One flush per frame keeps delivery incremental.
	assert.Equal(t, 3, rec.flushes)
}

func TestSSESinkCloseWithError(t *testing.T) {
	rec := &flushRecorder{ResponseRecorder: httptest.NewRecorder()}
	sink := newSSESink(rec, func() {})

	sink.Close(assert.AnError)

	events := decodeFrames(t, rec.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, agent.EventTypeError, events[0].Type)
	// Internal error detail never reaches the stream.
	assert.Equal(t, genericStreamError, events[0].Error)
	assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
}

func TestSSESinkCloseIsIdempotent(t *testing.T) {
	rec := &flushRecorder{ResponseRecorder: httptest.NewRecorder()}
	sink := newSSESink(rec, func() {})

	sink.Close(nil)
	sink.Close(assert.AnError)

	events := decodeFrames(t, rec.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, agent.EventTypeDone, events[0].Type)
}

func TestSSESinkSendAfterClose(t *testing.T) {
	rec := &flushRecorder{ResponseRecorder: httptest.NewRecorder()}
	sink := newSSESink(rec, func() {})

	sink.Close(nil)
	err := sink.Send(&agent.StreamEvent{Type: agent.EventTypeText, Delta: "late"})
	require.Error(t, err)
	assert.NotContains(t, rec.Body.String(), "late")
}

type failingWriter struct {
	*httptest.ResponseRecorder
}

func (w *failingWriter) Write([]byte) (int, error) {
	return 0, context.Canceled
}

func (w *failingWriter) Flush() {}

func TestSSESinkWriteFailureCancelsTurn(t *testing.T) {
	cancelled := false
	sink := newSSESink(&failingWriter{ResponseRecorder: httptest.NewRecorder()}, func() {
		cancelled = true
	})

	err := sink.Send(&agent.StreamEvent{Type: agent.EventTypeText, Delta: "x"})
	require.Error(t, err)
	assert.True(t, cancelled)
}
