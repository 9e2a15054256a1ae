package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrHostKeyMismatch is returned when a node already has a different
// trusted host key.
var ErrHostKeyMismatch = errors.New("a different host key is already trusted")

func ensureKnownHosts(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("mkdir known_hosts dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create known_hosts: %w", err)
	}
	return f.Close()
}

// dialAddr adds the default ssh port when addr has none.
func dialAddr(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, "22")
}

// AppendKnownHost trusts authorizedKey as the host key of a node at addr
// ("host" or "host:port"). Trusting a key that is already on record is a
// no-op. A node with another key on record is refused with
// ErrHostKeyMismatch; remove the stale line by hand first.
func AppendKnownHost(path, addr, authorizedKey string) error {
	pubKey, _, _, _, err := xssh.ParseAuthorizedKey([]byte(strings.TrimSpace(authorizedKey)))
	if err != nil {
		return fmt.Errorf("parse authorized key: %w", err)
	}
	check, err := LoadKnownHostsCallback(path)
	if err != nil {
		return err
	}

	err = check(dialAddr(addr), &net.TCPAddr{}, pubKey)
	var ke *knownhosts.KeyError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ke) && len(ke.Want) > 0:
		return fmt.Errorf("%s: %w (%s:%d)", addr, ErrHostKeyMismatch, ke.Want[0].Filename, ke.Want[0].Line)
	case !errors.As(err, &ke):
		return fmt.Errorf("check %s: %w", addr, err)
	}

	line := knownhosts.Line([]string{knownhosts.Normalize(addr)}, pubKey)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open known_hosts: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("write known_hosts: %w", err)
	}
	return nil
}

// LoadKnownHostsCallback returns a strict host key callback over path,
// creating an empty file when none exists.
func LoadKnownHostsCallback(path string) (xssh.HostKeyCallback, error) {
	if err := ensureKnownHosts(path); err != nil {
		return nil, err
	}
	return knownhosts.New(path)
}
