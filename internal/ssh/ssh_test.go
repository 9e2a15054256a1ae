package ssh

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/3cpo-dev/commensal/internal/testutil"
)

func dialTestServer(t *testing.T, srv *testutil.SSHServer) *Client {
	t.Helper()
	kh := filepath.Join(t.TempDir(), "known_hosts")
	if err := AppendKnownHost(kh, srv.Addr, srv.HostKey); err != nil {
		t.Fatalf("known host: %v", err)
	}
	cb, err := LoadKnownHostsCallback(kh)
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	return &Client{Addr: srv.Addr, User: "commensal", Signer: srv.ClientSigner, KnownHosts: cb, Timeout: 5 * time.Second}
}

func TestRunReportsExitCode(t *testing.T) {
	srv := testutil.StartSSHServer(t, func(cmd string) ([]byte, int) {
		if strings.HasPrefix(cmd, "fail") {
			return []byte("nope"), 3
		}
		return []byte("hello " + cmd), 0
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cli, err := Dial(ctx, dialTestServer(t, srv))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()

	res, err := Run(ctx, cli, "world")
	if err != nil || res.ExitCode != 0 || string(res.Stdout) != "hello world" {
		t.Fatalf("unexpected result %+v err=%v", res, err)
	}
	res, err = Run(ctx, cli, "fail now")
	if err != nil || res.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %+v err=%v", res, err)
	}
}

func TestDialRejectsUnknownHost(t *testing.T) {
	srv := testutil.StartSSHServer(t, func(string) ([]byte, int) { return nil, 0 })
	c := dialTestServer(t, srv)
	cb, err := LoadKnownHostsCallback(filepath.Join(t.TempDir(), "empty_known_hosts"))
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	c.KnownHosts = cb
	if _, err := Dial(context.Background(), c); err == nil {
		t.Fatal("expected host key verification failure")
	}
}

func TestPushBytesAndRemove(t *testing.T) {
	srv := testutil.StartSSHServer(t, func(string) ([]byte, int) { return nil, 0 })
	ctx := context.Background()
	cli, err := Dial(ctx, dialTestServer(t, srv))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()

	remote := filepath.Join(t.TempDir(), "nested", "req.json")
	if err := PushBytes(ctx, cli, []byte(`{"ok":true}`), remote); err != nil {
		t.Fatalf("push: %v", err)
	}
	b, err := os.ReadFile(remote)
	if err != nil || string(b) != `{"ok":true}` {
		t.Fatalf("unexpected remote content %q err=%v", b, err)
	}
	if err := Remove(cli, remote); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := Remove(cli, remote); err != nil {
		t.Fatalf("second remove should be a no-op: %v", err)
	}
}
