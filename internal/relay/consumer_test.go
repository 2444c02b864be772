package relay

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/chatlog/internal/events"
	"github.com/blockedby/chatlog/internal/logger"
	"github.com/blockedby/chatlog/internal/nats"
)

type fakeSubscriber struct {
	stream, consumer, subject string
	handler                   func([]byte) error
}

func (f *fakeSubscriber) Subscribe(_ context.Context, stream, consumer, subject string, handler func([]byte) error) error {
	f.stream, f.consumer, f.subject, f.handler = stream, consumer, subject, handler
	return nil
}

type recordingHandler struct {
	got []events.Event
}

func (h *recordingHandler) Handle(_ context.Context, ev events.Event) {
	h.got = append(h.got, ev)
}

type recordingSink struct {
	kinds []string
	errs  []error
}

func (s *recordingSink) Record(_ context.Context, kind string, _ any, err error) {
	s.kinds = append(s.kinds, kind)
	s.errs = append(s.errs, err)
}

func start(t *testing.T) (*fakeSubscriber, *recordingHandler, *recordingSink) {
	t.Helper()
	sub, h, sink := &fakeSubscriber{}, &recordingHandler{}, &recordingSink{}
	c := NewConsumer(sub, h, sink, "chatlog", logger.Get())
	require.NoError(t, c.Start(context.Background()))
	return sub, h, sink
}

func TestConsumer_Start(t *testing.T) {
	sub, _, _ := start(t)
	assert.Equal(t, "chatlog_events", sub.stream)
	assert.Equal(t, "chatlog_relay", sub.consumer)
	assert.Equal(t, "chatlog.events.>", sub.subject)
}

func TestConsumer_HandlesEnvelope(t *testing.T) {
	sub, h, sink := start(t)

	chat := int64(-100)
	data, err := events.Marshal(&events.DeletionBatch{Items: []events.DeletedMessage{{ID: 3, Chat: &chat}}})
	require.NoError(t, err)

	require.NoError(t, sub.handler(data))
	require.Len(t, h.got, 1)
	b, ok := h.got[0].(*events.DeletionBatch)
	require.True(t, ok)
	assert.Equal(t, int64(3), b.Items[0].ID)
	assert.Empty(t, sink.kinds)
}

func TestConsumer_PoisonGoesToSink(t *testing.T) {
	sub, h, sink := start(t)

	for _, payload := range []string{`not json`, `{"kind":"reaction","event":{}}`} {
		err := sub.handler([]byte(payload))
		assert.True(t, errors.Is(err, nats.ErrPoison), payload)
	}
	assert.Empty(t, h.got)
	assert.Equal(t, []string{"relay", "relay"}, sink.kinds)
	assert.ErrorIs(t, sink.errs[1], events.ErrUnknownKind)
}
