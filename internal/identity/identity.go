// Package identity manages the long-lived Ed25519 keypair every Glyph
// participant (gateway, node, validator) carries. Keys and signatures are
// base64 strings on the wire and in storage; the identity file holds the
// 32-byte private seed, base64, one line, mode 0600.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Generate creates a fresh keypair and returns (pubkey, secret) as base64.
func Generate() (string, string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate ed25519 key: %w", err)
	}
	pk := base64.StdEncoding.EncodeToString(pub)
	sk := base64.StdEncoding.EncodeToString(priv.Seed())
	return pk, sk, nil
}

// PublicFromSecret derives the base64 public key from a base64 secret seed.
func PublicFromSecret(sk string) (string, error) {
	priv, err := privateKey(sk)
	if err != nil {
		return "", err
	}
	pub := priv.Public().(ed25519.PublicKey)
	return base64.StdEncoding.EncodeToString(pub), nil
}

// LoadOrCreate loads the identity stored at path, or creates and persists a
// new one with owner-only permissions if the file does not exist.
func LoadOrCreate(path string) (string, string, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		sk := strings.TrimSpace(string(b))
		pk, derr := PublicFromSecret(sk)
		if derr != nil {
			return "", "", fmt.Errorf("identity file %s: %w", path, derr)
		}
		return pk, sk, nil
	}
	if !os.IsNotExist(err) {
		return "", "", fmt.Errorf("read identity file: %w", err)
	}

	pk, sk, err := Generate()
	if err != nil {
		return "", "", err
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", "", fmt.Errorf("mkdir identity dir: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sk+"\n"), 0o600); err != nil {
		return "", "", fmt.Errorf("write identity file: %w", err)
	}
	return pk, sk, nil
}

// Sign signs message with the base64 secret seed and returns a base64
// signature.
func Sign(sk string, message []byte) (string, error) {
	priv, err := privateKey(sk)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(priv, message)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify reports whether sig is a valid signature over message by the holder
// of the base64 public key. Malformed keys or signatures verify as false.
func Verify(pk string, message []byte, sig string) bool {
	pub, err := base64.StdEncoding.DecodeString(pk)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil || len(raw) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, raw)
}

func privateKey(sk string) (ed25519.PrivateKey, error) {
	seed, err := base64.StdEncoding.DecodeString(sk)
	if err != nil {
		return nil, fmt.Errorf("decode secret key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("secret key must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
