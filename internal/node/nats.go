package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/3cpo-dev/commensal/pkg/api"
)

// DefaultSubjectPrefix is the command subject root.
const DefaultSubjectPrefix = "commensal.cmd"

// Subject is where the agent for id listens: <prefix>.<node>.<slot>.
func Subject(prefix string, id api.InstanceID) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return fmt.Sprintf("%s.%s.%d", prefix, id.Node(), id.Slot())
}

// NATSTransport sends commands as NATS requests.
type NATSTransport struct {
	nc     *nats.Conn
	prefix string
}

func NewNATSTransport(nc *nats.Conn, prefix string) *NATSTransport {
	return &NATSTransport{nc: nc, prefix: prefix}
}

func (t *NATSTransport) Do(ctx context.Context, req api.CommandRequest) (api.CommandReply, error) {
	var reply api.CommandReply
	data, err := json.Marshal(req)
	if err != nil {
		return reply, fmt.Errorf("encode request: %w", err)
	}
	msg, err := t.nc.RequestWithContext(ctx, Subject(t.prefix, req.Instance), data)
	switch {
	case errors.Is(err, nats.ErrNoResponders), errors.Is(err, nats.ErrTimeout):
		return reply, fmt.Errorf("%w: %v", ErrNoReply, err)
	case err != nil:
		return reply, err
	}
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return reply, fmt.Errorf("decode reply: %w", err)
	}
	return reply, nil
}
