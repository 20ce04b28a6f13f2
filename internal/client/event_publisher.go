package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/ledgerkit/be-approvals/internal/service"
)

// EventPublisher publishes approval domain events to NATS for consumption by
// the notification and audit services.
//
// Subject convention: approvals.<tenant_id>.<event_type>
//
// The engine already treats event delivery as non-fatal, so Publish surfaces
// errors for the engine to log rather than retrying here.
type EventPublisher struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// NewEventPublisher creates a publisher on an established NATS connection.
func NewEventPublisher(conn *nats.Conn, log zerolog.Logger) *EventPublisher {
	return &EventPublisher{conn: conn, log: log}
}

var _ service.EventSink = (*EventPublisher)(nil)

// Publish marshals the event and publishes it to its tenant-scoped subject.
func (p *EventPublisher) Publish(_ context.Context, event service.Event) error {
	if p.conn == nil {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("approvals.%s.%s", event.TenantID, event.Type)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}

	p.log.Debug().
		Str("subject", subject).
		Str("request_id", event.RequestID).
		Msg("Domain event published")
	return nil
}
