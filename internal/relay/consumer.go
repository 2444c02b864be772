// Package relay consumes event envelopes published by other account
// processes and feeds them into the local ingestion driver.
package relay

import (
	"context"
	"fmt"

	"github.com/blockedby/chatlog/internal/events"
	"github.com/blockedby/chatlog/internal/logger"
	"github.com/blockedby/chatlog/internal/nats"
)

// Subscriber is the part of the nats client the consumer needs.
type Subscriber interface {
	Subscribe(ctx context.Context, stream, consumer, subject string, handler func([]byte) error) error
}

// Handler ingests a decoded event. *ingest.Driver implements it.
type Handler interface {
	Handle(ctx context.Context, ev events.Event)
}

// Recorder stores payloads that could not be decoded. *ingest.Sink
// implements it.
type Recorder interface {
	Record(ctx context.Context, kind string, raw any, err error)
}

// Consumer handles consuming NATS events
type Consumer struct {
	client  Subscriber
	handler Handler
	sink    Recorder
	prefix  string
	log     *logger.Logger
}

// NewConsumer creates a new NATS consumer for envelopes on
// "<prefix>.events.>".
func NewConsumer(client Subscriber, handler Handler, sink Recorder, prefix string, log *logger.Logger) *Consumer {
	return &Consumer{client: client, handler: handler, sink: sink, prefix: prefix, log: log}
}

// Stream returns the stream name envelopes are stored in.
func (c *Consumer) Stream() string { return c.prefix + "_events" }

// Subject returns the subject filter envelopes are published under.
func (c *Consumer) Subject() string { return c.prefix + ".events.>" }

// Start subscribes with a durable consumer and processes envelopes until
// ctx is done.
func (c *Consumer) Start(ctx context.Context) error {
	c.log.Info().Str("subject", c.Subject()).Msg("starting relay consumer")
	return c.client.Subscribe(ctx, c.Stream(), c.prefix+"_relay", c.Subject(), func(data []byte) error {
		return c.handleMessage(ctx, data)
	})
}

// handleMessage processes a single message
func (c *Consumer) handleMessage(ctx context.Context, data []byte) error {
	ev, err := events.Decode(data)
	if err != nil {
		c.log.Error().Err(err).Msg("invalid envelope, skipping")
		c.sink.Record(ctx, "relay", string(data), err)
		return fmt.Errorf("%w: %v", nats.ErrPoison, err)
	}

	c.log.Debug().Str("kind", string(ev.Kind())).Msg("received relayed event")
	c.handler.Handle(ctx, ev)
	return nil
}
