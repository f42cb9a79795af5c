package sshd

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// LoadOrGenerateHostKey reads the host key at path. If the file does not
// exist, a new Ed25519 key is generated and saved there with mode 0600.
func LoadOrGenerateHostKey(path string, logger zerolog.Logger) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("sshd: read host key %s: %w", path, err)
	}

	if err == nil {
		if b, _ := pem.Decode(data); b == nil {
			return nil, fmt.Errorf("sshd: host key file %s contains no PEM block", path)
		}
		key, err := ssh.ParseRawPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("sshd: parse host key %s: %w", path, err)
		}
		return ssh.NewSignerFromKey(key)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("sshd: generate host key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, fmt.Errorf("sshd: encode host key: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("sshd: create host key dir: %w", err)
		}
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("sshd: write host key: %w", err)
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, err
	}
	logger.Info().
		Str("path", path).
		Str("fingerprint", ssh.FingerprintSHA256(signer.PublicKey())).
		Msg("generated new host key")
	return signer, nil
}
