package testutil

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// ExecFunc handles one exec request and returns stdout and the exit status.
type ExecFunc func(command string) ([]byte, int)

// SSHServer is an in-process SSH server with exec and sftp support.
type SSHServer struct {
	Addr         string
	HostKey      string // authorized_keys form
	ClientSigner xssh.Signer

	mu       sync.Mutex
	commands []string
}

// Commands returns every exec command received.
func (s *SSHServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// StartSSHServer listens on a random local port until the test ends.
func StartSSHServer(t *testing.T, exec ExecFunc) *SSHServer {
	t.Helper()
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("host key: %v", err)
	}
	hostSigner, err := xssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}
	_, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("client key: %v", err)
	}
	clientSigner, err := xssh.NewSignerFromKey(clientPriv)
	if err != nil {
		t.Fatalf("client signer: %v", err)
	}

	cfg := &xssh.ServerConfig{
		PublicKeyCallback: func(_ xssh.ConnMetadata, key xssh.PublicKey) (*xssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), clientSigner.PublicKey().Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unknown client key")
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	s := &SSHServer{
		Addr:         ln.Addr().String(),
		HostKey:      string(xssh.MarshalAuthorizedKey(hostSigner.PublicKey())),
		ClientSigner: clientSigner,
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serveConn(conn, cfg, exec)
		}
	}()
	return s
}

func (s *SSHServer) serveConn(conn net.Conn, cfg *xssh.ServerConfig, exec ExecFunc) {
	_, chans, reqs, err := xssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	go xssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(xssh.UnknownChannelType, "session only")
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err != nil {
			continue
		}
		go s.serveSession(ch, chReqs, exec)
	}
}

func (s *SSHServer) serveSession(ch xssh.Channel, reqs <-chan *xssh.Request, exec ExecFunc) {
	for req := range reqs {
		switch req.Type {
		case "exec":
			var p struct{ Command string }
			if err := xssh.Unmarshal(req.Payload, &p); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			s.mu.Lock()
			s.commands = append(s.commands, p.Command)
			s.mu.Unlock()
			out, code := exec(p.Command)
			_, _ = ch.Write(out)
			_, _ = ch.SendRequest("exit-status", false, xssh.Marshal(struct{ Status uint32 }{uint32(code)}))
			ch.Close()
			return
		case "subsystem":
			var p struct{ Name string }
			if err := xssh.Unmarshal(req.Payload, &p); err != nil || p.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			srv, err := sftp.NewServer(ch)
			if err != nil {
				ch.Close()
				return
			}
			go func() {
				_ = srv.Serve()
				srv.Close()
				ch.Close()
			}()
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}
