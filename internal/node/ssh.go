package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/commensal/internal/ssh"
	"github.com/3cpo-dev/commensal/pkg/api"
)

// SSHOptions configures the SSH transport.
type SSHOptions struct {
	User       string
	Port       int
	Hosts      map[string]string // node name to address override
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	AgentPath  string
	RemoteDir  string
}

// SSHTransport pushes the command parameters with SFTP and runs
// `commensal-agent exec` on the node, reading the JSON reply from stdout.
type SSHTransport struct {
	opts SSHOptions
}

func NewSSHTransport(opts SSHOptions) *SSHTransport {
	if opts.Port == 0 {
		opts.Port = 22
	}
	if opts.AgentPath == "" {
		opts.AgentPath = "commensal-agent"
	}
	if opts.RemoteDir == "" {
		opts.RemoteDir = "/tmp/commensal"
	}
	return &SSHTransport{opts: opts}
}

func (t *SSHTransport) addr(node string) string {
	if a, ok := t.opts.Hosts[node]; ok {
		if _, _, err := net.SplitHostPort(a); err == nil {
			return a
		}
		node = a
	}
	return net.JoinHostPort(node, strconv.Itoa(t.opts.Port))
}

// ExecCommand is the remote command line for one request.
func (t *SSHTransport) ExecCommand(req api.CommandRequest, paramsPath string) string {
	parts := []string{t.opts.AgentPath, "exec", "--instance", string(req.Instance), "--command", string(req.Command)}
	if paramsPath != "" {
		parts = append(parts, "--params", paramsPath)
	}
	return strings.Join(parts, " ")
}

func (t *SSHTransport) Do(ctx context.Context, req api.CommandRequest) (api.CommandReply, error) {
	var reply api.CommandReply
	cli, err := ssh.Dial(ctx, &ssh.Client{
		Addr:       t.addr(req.Instance.Node()),
		User:       t.opts.User,
		Signer:     t.opts.Signer,
		KnownHosts: t.opts.KnownHosts,
		Timeout:    10 * time.Second,
	})
	if err != nil {
		if ctx.Err() != nil {
			return reply, ctx.Err()
		}
		return reply, err
	}
	defer cli.Close()

	var paramsPath string
	if len(req.Params) > 0 {
		raw, err := json.Marshal(req.Params)
		if err != nil {
			return reply, fmt.Errorf("encode params: %w", err)
		}
		paramsPath = path.Join(t.opts.RemoteDir, uuid.NewString()+".json")
		if err := ssh.PushBytes(ctx, cli, raw, paramsPath); err != nil {
			return reply, fmt.Errorf("push params: %w", err)
		}
		defer func() {
			if err := ssh.Remove(cli, paramsPath); err != nil {
				log.Debug().Err(err).Str("path", paramsPath).Msg("remove remote params")
			}
		}()
	}

	res, err := ssh.Run(ctx, cli, t.ExecCommand(req, paramsPath))
	if err != nil {
		return reply, err
	}
	out := bytes.TrimSpace(res.Stdout)
	if err := json.Unmarshal(out, &reply); err != nil {
		return reply, fmt.Errorf("agent exited %d without a reply: %s", res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	return reply, nil
}
