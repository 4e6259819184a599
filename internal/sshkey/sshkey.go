// Package sshkey manages the harness's SSH identity: an ed25519 key pair
// generated once, persisted as an OpenSSH PEM file under the support
// directory, and registered with EC2 under the configured key pair name.
package sshkey

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chainguard-dev/clog"
	"golang.org/x/crypto/ssh"

	"github.com/knife-solo/harness/internal/cloud"
)

// DefaultSupportDir is where the private key file lives, relative to the
// harness working directory.
const DefaultSupportDir = "support"

var (
	ErrKeyGen     = errors.New("failed to generate ed25519 key pair")
	ErrKeyMarshal = errors.New("failed to marshal key to OpenSSH format")
	ErrKeyWrite   = errors.New("failed to write private key file")
)

// Ensure returns the path of the PEM private key file for keyName,
// creating the key and importing its public half into EC2 on first use.
// An existing file is reused untouched; the provider-side pair is assumed
// to match it.
func Ensure(ctx context.Context, client *cloud.Client, supportDir, keyName string) (string, error) {
	if supportDir == "" {
		supportDir = DefaultSupportDir
	}
	path := filepath.Join(supportDir, keyName+".pem")

	if _, err := os.Stat(path); err == nil {
		clog.FromContext(ctx).Debug("reusing existing private key", "path", path)
		return path, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("checking for private key file: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrKeyGen, err)
	}

	block, err := ssh.MarshalPrivateKey(priv, keyName)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrKeyMarshal, err)
	}
	pemData := pem.EncodeToMemory(block)
	if pemData == nil {
		return "", ErrKeyMarshal
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrKeyMarshal, err)
	}

	if err := client.ImportKeyPair(ctx, keyName, ssh.MarshalAuthorizedKey(sshPub)); err != nil {
		return "", err
	}

	if err := os.MkdirAll(supportDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %w", ErrKeyWrite, err)
	}
	if err := os.WriteFile(path, pemData, 0o600); err != nil {
		return "", fmt.Errorf("%w: %w", ErrKeyWrite, err)
	}
	clog.FromContext(ctx).Info("saved private key", "path", path)
	return path, nil
}
