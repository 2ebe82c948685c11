// Package testutil provides shared test helpers for xferd tests.
package testutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"
)

// TempDir creates a temporary directory for testing and returns a cleanup function.
func TempDir(t *testing.T) (string, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "xferd-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	return dir, func() {
		_ = os.RemoveAll(dir)
	}
}

// TempFile creates a temporary file with the given content and returns its path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// RandomFile writes size random bytes to dir/name and returns the path,
// the content and its SHA-1 as lowercase hex.
func RandomFile(t *testing.T, dir, name string, size int) (string, []byte, string) {
	t.Helper()
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("failed to generate random data: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write random file: %v", err)
	}
	sum := sha1.Sum(data)
	return path, data, hex.EncodeToString(sum[:])
}

// GenerateSSHKeyPair generates an ED25519 SSH key pair for testing.
// Returns the private key PEM bytes and the public key.
func GenerateSSHKeyPair(t *testing.T) ([]byte, ssh.PublicKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key pair: %v", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("failed to create SSH public key: %v", err)
	}

	// Marshal private key to OpenSSH format
	pemBlock, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("failed to marshal private key: %v", err)
	}

	return pem.EncodeToMemory(pemBlock), sshPub
}

// WriteSSHKeyPair writes an SSH key pair to files in the given directory.
// Returns paths to the private and public key files.
func WriteSSHKeyPair(t *testing.T, dir string) (privPath, pubPath string) {
	t.Helper()

	privBytes, pubKey := GenerateSSHKeyPair(t)

	privPath = filepath.Join(dir, "id_ed25519")
	pubPath = filepath.Join(dir, "id_ed25519.pub")

	if err := os.WriteFile(privPath, privBytes, 0600); err != nil {
		t.Fatalf("failed to write private key: %v", err)
	}

	pubBytes := ssh.MarshalAuthorizedKey(pubKey)
	if err := os.WriteFile(pubPath, pubBytes, 0644); err != nil {
		t.Fatalf("failed to write public key: %v", err)
	}

	return privPath, pubPath
}

// FreePort returns an available TCP port on localhost.
func FreePort(t *testing.T) int {
	t.Helper()

	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("failed to resolve address: %v", err)
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer func() { _ = l.Close() }()

	return l.Addr().(*net.TCPAddr).Port
}
