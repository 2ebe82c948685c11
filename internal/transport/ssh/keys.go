package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	gossh "golang.org/x/crypto/ssh"
)

// LoadOrCreateKey loads the ed25519 key at path, generating it (and a
// matching path.pub) when the file does not exist yet. created reports
// whether a new key was written.
func LoadOrCreateKey(path string) (signer gossh.Signer, created bool, err error) {
	signer, err = loadKey(path)
	if err == nil {
		return signer, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}

	if err := writeNewKey(path); err != nil {
		return nil, false, err
	}
	signer, err = loadKey(path)
	return signer, err == nil, err
}

func loadKey(path string) (gossh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	signer, err := gossh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", path, err)
	}
	return signer, nil
}

// writeNewKey writes a fresh key pair. The private key goes through a temp
// file so a crash never leaves a truncated key behind.
func writeNewKey(path string) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	sshPub, err := gossh.NewPublicKey(pub)
	if err != nil {
		return err
	}
	block, err := gossh.MarshalPrivateKey(priv, "xferd")
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, pem.EncodeToMemory(block), 0600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write key: %w", err)
	}
	if err := os.WriteFile(path+".pub", gossh.MarshalAuthorizedKey(sshPub), 0644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

// ReadAuthorizedKeys parses an authorized_keys file. Comments, blank lines
// and lines that do not parse are skipped.
func ReadAuthorizedKeys(path string) ([]gossh.PublicKey, error) {
	rest, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read authorized keys: %w", err)
	}

	var keys []gossh.PublicKey
	for len(rest) > 0 {
		var key gossh.PublicKey
		key, _, _, rest, err = gossh.ParseAuthorizedKey(rest)
		if err != nil {
			// no further key in the remaining input
			break
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Fingerprint returns the OpenSSH SHA256 fingerprint of key.
func Fingerprint(key gossh.PublicKey) string {
	return gossh.FingerprintSHA256(key)
}
