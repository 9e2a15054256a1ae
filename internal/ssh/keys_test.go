package ssh

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateEd25519Keypair(t *testing.T) {
	dir := t.TempDir()
	priv := filepath.Join(dir, "keys", "id_ed25519")
	pub, err := GenerateEd25519Keypair(priv)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(pub, "ssh-ed25519 ") {
		t.Fatalf("unexpected public key %q", pub)
	}
	if _, err := os.Stat(priv + ".pub"); err != nil {
		t.Fatalf("public key not written: %v", err)
	}
	signer, err := LoadPrivateKeySigner(priv)
	if err != nil {
		t.Fatalf("load generated key: %v", err)
	}
	if signer.PublicKey().Type() != "ssh-ed25519" {
		t.Fatalf("unexpected key type %s", signer.PublicKey().Type())
	}
}
