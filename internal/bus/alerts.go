package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/commensal/pkg/api"
)

// Alert levels.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, subarray, level, msg string)
}

// Alerter logs every alert and, when connected, publishes it on NATS.
type Alerter struct {
	nc      *nats.Conn
	subject string
	source  string
}

// NewAlerter builds an alerter. nc may be nil for log-only alerts.
func NewAlerter(nc *nats.Conn, subject, source string) *Alerter {
	if subject == "" {
		subject = DefaultAlertsSubject
	}
	if source == "" {
		source = "commensal"
	}
	return &Alerter{nc: nc, subject: subject, source: source}
}

func (a *Alerter) Notify(ctx context.Context, subarray, level, msg string) {
	var e *zerolog.Event
	switch level {
	case LevelError:
		e = log.Error()
	case LevelWarn:
		e = log.Warn()
	default:
		e = log.Info()
	}
	e.Str("subarray", subarray).Str("alert", level).Msg(msg)

	if a.nc == nil {
		return
	}
	data, err := json.Marshal(api.Alert{Source: a.source, Subarray: subarray, Level: level, Message: msg, Time: time.Now().UTC()})
	if err != nil {
		return
	}
	if err := a.nc.Publish(a.subject, data); err != nil {
		log.Warn().Err(err).Msg("publish alert")
	}
}

// Notifyf formats msg before notifying. n may be nil.
func Notifyf(ctx context.Context, n Notifier, subarray, level, format string, args ...any) {
	if n == nil {
		return
	}
	n.Notify(ctx, subarray, level, fmt.Sprintf(format, args...))
}
