// Package publisher forwards ingestion notifications to NATS subjects.
package publisher

import (
	"context"

	"github.com/blockedby/chatlog/internal/ingest"
	"github.com/blockedby/chatlog/internal/logger"
)

// NATSClient interface to allow mocking
type NATSClient interface {
	Publish(ctx context.Context, subject string, data any) error
}

// PublishObserver is told the outcome of every publish.
type PublishObserver interface {
	Published(err error)
}

// NATSPublisher implements ingest.Notifier. Each notification goes to
// "<prefix>.<kind>".
type NATSPublisher struct {
	js       NATSClient
	prefix   string
	observer PublishObserver
	log      *logger.Logger
}

// NewNATSPublisher creates a new publisher. observer may be nil.
func NewNATSPublisher(js NATSClient, prefix string, observer PublishObserver, log *logger.Logger) *NATSPublisher {
	return &NATSPublisher{js: js, prefix: prefix, observer: observer, log: log}
}

// Subject returns the subject notifications of kind are published to.
func (p *NATSPublisher) Subject(n ingest.Notification) string {
	return p.prefix + "." + string(n.Kind)
}

// Notify implements ingest.Notifier. Failures are logged and counted only.
func (p *NATSPublisher) Notify(ctx context.Context, n ingest.Notification) {
	subject := p.Subject(n)
	err := p.js.Publish(ctx, subject, n)
	if p.observer != nil {
		p.observer.Published(err)
	}
	if err != nil {
		p.log.Warn().Err(err).Str("subject", subject).Msg("publish notification failed")
	}
}
