package coordinator

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/nats-io/nats.go"

	"github.com/3cpo-dev/commensal/internal/config"
	"github.com/3cpo-dev/commensal/internal/node"
	"github.com/3cpo-dev/commensal/internal/ssh"
	"github.com/3cpo-dev/commensal/pkg/api"
)

// NewTransport builds the node transport selected by cfg.Transport.Kind.
func NewTransport(cfg config.Config, nc *nats.Conn) (node.Transport, error) {
	switch cfg.Transport.Kind {
	case "nats":
		if nc == nil {
			return nil, errors.New("transport nats needs a NATS connection")
		}
		return node.NewNATSTransport(nc, cfg.NATS.CommandPrefix), nil
	case "http":
		return newHTTPTransport(cfg)
	case "ssh":
		sc := cfg.Transport.SSH
		signer, err := ssh.LoadPrivateKeySigner(sc.Key)
		if err != nil {
			return nil, fmt.Errorf("ssh key: %w", err)
		}
		hostKeys, err := ssh.LoadKnownHostsCallback(sc.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("known hosts: %w", err)
		}
		return node.NewSSHTransport(node.SSHOptions{
			User:       sc.User,
			Port:       sc.Port,
			Hosts:      cfg.Hosts(),
			Signer:     signer,
			KnownHosts: hostKeys,
			AgentPath:  sc.AgentPath,
			RemoteDir:  sc.RemoteDir,
		}), nil
	case "loopback":
		return node.NewLoopback(), nil
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Transport.Kind)
}

func newHTTPTransport(cfg config.Config) (*node.HTTPTransport, error) {
	hc := cfg.Transport.HTTP
	opts := node.HTTPOptions{URLTemplate: hc.URLTemplate, BasePort: hc.BasePort, Token: hc.Token}
	if opts.BasePort == 0 {
		opts.BasePort = 8600
	}
	hosts := cfg.Hosts()
	if len(hosts) > 0 && hc.URLTemplate == "" {
		universe, err := cfg.Universe()
		if err != nil {
			return nil, err
		}
		opts.Endpoints = map[api.InstanceID]string{}
		for _, id := range universe {
			if h, ok := hosts[id.Node()]; ok {
				opts.Endpoints[id] = "http://" + net.JoinHostPort(h, strconv.Itoa(opts.BasePort+id.Slot()))
			}
		}
	}
	return node.NewHTTPTransport(opts), nil
}
