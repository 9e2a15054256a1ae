package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/commensal/internal/bus"
	"github.com/3cpo-dev/commensal/pkg/api"
)

// Source feeds events from the NATS notification subject into a
// Dispatcher.
type Source struct {
	d       *Dispatcher
	nc      *nats.Conn
	subject string
	sub     *nats.Subscription
}

func NewSource(d *Dispatcher, nc *nats.Conn, subject string) *Source {
	if subject == "" {
		subject = bus.DefaultEventsSubject
	}
	return &Source{d: d, nc: nc, subject: subject}
}

// Start subscribes to the notification subject. Events are submitted in
// arrival order.
func (s *Source) Start() error {
	sub, err := bus.Subscribe(s.nc, s.subject, func(ev api.Event) {
		log.Debug().Str("id", ev.ID).Str("event", string(ev.Type)).Str("subarray", ev.Subarray).Msg("event received")
		done := s.d.Submit(ev)
		go func() {
			if err := <-done; err != nil && !errors.Is(err, ErrClosed) {
				log.Debug().Err(err).Str("id", ev.ID).Msg("event result")
			}
		}()
	}, s.dropped)
	if err := errors.Join(err, s.nc.Flush()); err != nil {
		return err
	}
	s.sub = sub
	log.Info().Str("subject", s.subject).Msg("listening for events")
	return nil
}

// dropped reports an undecodable message to the operator.
func (s *Source) dropped(err error) {
	var subarray string
	var ce *api.ConfigurationError
	if errors.As(err, &ce) {
		subarray = ce.Subarray
	}
	s.d.deps.Metrics.Event("malformed", "rejected")
	bus.Notifyf(context.Background(), s.d.deps.Notifier, subarray, bus.LevelWarn, "dropped malformed event: %v", err)
}

// Stop unsubscribes and waits, bounded by ctx, until the messages already
// delivered have been submitted.
func (s *Source) Stop(ctx context.Context) error {
	if s.sub == nil {
		return nil
	}
	if err := s.sub.Drain(); err != nil {
		return err
	}
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for s.sub.IsValid() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	return nil
}
