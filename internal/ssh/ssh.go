// Package ssh runs commands on processing nodes over SSH.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	xssh "golang.org/x/crypto/ssh"
)

type Client struct {
	Addr       string
	User       string
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
}

func (c *Client) makeConfig() (*xssh.ClientConfig, error) {
	if c.Signer == nil {
		return nil, errors.New("ssh: signer required")
	}
	if c.KnownHosts == nil {
		return nil, errors.New("ssh: host key callback required")
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: c.KnownHosts,
		Timeout:         c.Timeout,
	}, nil
}

// Dial establishes an SSH connection using the provided client configuration.
// The caller is responsible for closing the returned client.
func Dial(ctx context.Context, c *Client) (*xssh.Client, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.Addr, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	sc, chans, reqs, err := xssh.NewClientConn(conn, c.Addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake %s: %w", c.Addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return xssh.NewClient(sc, chans, reqs), nil
}

// Result is the outcome of a remote command.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Run executes command in a new session. The session is torn down when ctx
// ends. A non-zero exit status is reported in Result, not as an error.
func Run(ctx context.Context, cli *xssh.Client, command string) (Result, error) {
	var res Result
	session, err := cli.NewSession()
	if err != nil {
		return res, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(xssh.SIGKILL)
		_ = session.Close()
		return res, ctx.Err()
	case err = <-done:
	}

	res.Stdout, res.Stderr = stdout.Bytes(), stderr.Bytes()
	var exitErr *xssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("run command: %w", err)
	}
	return res, nil
}
