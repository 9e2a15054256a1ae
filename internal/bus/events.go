// Package bus carries events and alerts over NATS.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/commensal/pkg/api"
)

// Default subjects.
const (
	DefaultEventsSubject = "commensal.events"
	DefaultAlertsSubject = "commensal.alerts"
)

// Normalize fills a missing id with a UUID and a missing timestamp with now.
func Normalize(ev *api.Event, now time.Time) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now.UTC()
	}
}

// DecodeEvent parses and validates one notification message.
func DecodeEvent(data []byte, now time.Time) (api.Event, error) {
	var ev api.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, &api.ConfigurationError{Reason: fmt.Sprintf("malformed event: %v", err)}
	}
	if !ev.Type.Valid() {
		return ev, &api.ConfigurationError{Subarray: ev.Subarray, Reason: fmt.Sprintf("unknown event type %q", ev.Type)}
	}
	Normalize(&ev, now)
	return ev, nil
}

// EventPublisher publishes events on the notification subject.
type EventPublisher struct {
	nc      *nats.Conn
	subject string
}

func NewEventPublisher(nc *nats.Conn, subject string) *EventPublisher {
	if subject == "" {
		subject = DefaultEventsSubject
	}
	return &EventPublisher{nc: nc, subject: subject}
}

// Publish normalizes and sends ev, flushing so the caller knows it left.
func (p *EventPublisher) Publish(ctx context.Context, ev api.Event) error {
	Normalize(&ev, time.Now())
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return p.nc.FlushWithContext(ctx)
}

// Subscribe delivers every decodable event on subject to fn. Malformed
// messages are logged and handed to dropped, which may be nil.
func Subscribe(nc *nats.Conn, subject string, fn func(api.Event), dropped func(error)) (*nats.Subscription, error) {
	if subject == "" {
		subject = DefaultEventsSubject
	}
	return nc.Subscribe(subject, func(m *nats.Msg) {
		ev, err := DecodeEvent(m.Data, time.Now())
		if err != nil {
			log.Warn().Err(err).Str("subject", m.Subject).Msg("dropping event")
			if dropped != nil {
				dropped(err)
			}
			return
		}
		fn(ev)
	})
}
