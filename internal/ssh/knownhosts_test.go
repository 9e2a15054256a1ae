package ssh

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	xssh "golang.org/x/crypto/ssh"
)

func TestKnownHostsAppendAndVerify(t *testing.T) {
	dir := t.TempDir()
	kh := filepath.Join(dir, "ssh", "known_hosts")
	pub, err := GenerateEd25519Keypair(filepath.Join(dir, "id_ed25519"))
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	if err := AppendKnownHost(kh, "blpn0:2222", pub); err != nil {
		t.Fatalf("append known host: %v", err)
	}
	b, err := os.ReadFile(kh)
	if err != nil || len(b) == 0 {
		t.Fatalf("expected content in known_hosts: %v", err)
	}

	cb, err := LoadKnownHostsCallback(kh)
	if err != nil {
		t.Fatalf("load callback: %v", err)
	}
	key, _, _, _, err := xssh.ParseAuthorizedKey([]byte(pub))
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	addr := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 2222}
	if err := cb("blpn0:2222", addr, key); err != nil {
		t.Fatalf("known host rejected: %v", err)
	}
	if err := cb("blpn1:2222", addr, key); err == nil {
		t.Fatal("unknown host accepted")
	}
}

func TestAppendKnownHostIsIdempotentAndRefusesNewKeys(t *testing.T) {
	dir := t.TempDir()
	kh := filepath.Join(dir, "known_hosts")
	pub, err := GenerateEd25519Keypair(filepath.Join(dir, "a"))
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	other, err := GenerateEd25519Keypair(filepath.Join(dir, "b"))
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := AppendKnownHost(kh, "10.0.0.5", pub); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	b, err := os.ReadFile(kh)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n := strings.Count(string(b), "\n"); n != 1 {
		t.Fatalf("expected one known_hosts line, got %d", n)
	}

	err = AppendKnownHost(kh, "10.0.0.5", other)
	if !errors.Is(err, ErrHostKeyMismatch) {
		t.Fatalf("expected host key mismatch, got %v", err)
	}
	if err := AppendKnownHost(kh, "10.0.0.6:2222", other); err != nil {
		t.Fatalf("append second node: %v", err)
	}
}
