package agent

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/commensal/internal/node"
	"github.com/3cpo-dev/commensal/pkg/api"
)

// ServeNATS answers command requests on the instance's command subject.
func (a *Agent) ServeNATS(nc *nats.Conn, prefix string) (*nats.Subscription, error) {
	subject := node.Subject(prefix, a.opts.Instance)
	sub, err := nc.Subscribe(subject, func(m *nats.Msg) {
		var req api.CommandRequest
		var reply api.CommandReply
		if err := json.Unmarshal(m.Data, &req); err != nil {
			reply = api.CommandReply{Instance: a.opts.Instance, Message: "malformed request: " + err.Error()}
		} else {
			reply = a.Handle(context.Background(), req)
		}
		data, err := json.Marshal(reply)
		if err != nil {
			return
		}
		if err := m.Respond(data); err != nil {
			log.Warn().Err(err).Str("subject", subject).Msg("respond")
		}
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("subject", subject).Msg("agent listening on NATS")
	return sub, nc.Flush()
}
