package licensing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	// PrivateKeyFileName holds the base64-encoded Ed25519 signing key.
	PrivateKeyFileName = "license-signing.key"
	// PublicKeyFileName holds the base64-encoded Ed25519 verification key.
	PublicKeyFileName = "license-signing.pub"

	keyDirPerm  = 0o700
	keyFilePerm = 0o600
)

var ErrMalformedKey = errors.New("malformed signing key material")

// KeyPair is the persisted Ed25519 signing key pair. Regenerating it
// invalidates every outstanding token, so generation happens exactly once
// unless rotation is requested explicitly.
type KeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// PublicKeyFingerprint returns an SHA256 fingerprint for logging.
func PublicKeyFingerprint(key ed25519.PublicKey) string {
	if len(key) == 0 {
		return ""
	}
	sum := sha256.Sum256(key)
	return "SHA256:" + base64.StdEncoding.EncodeToString(sum[:])
}

// EncodePublicKey returns the base64 form served to clients for offline
// token verification.
func EncodePublicKey(key ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(key)
}

// DecodePublicKey parses a base64-encoded Ed25519 public key.
func DecodePublicKey(encoded string) (ed25519.PublicKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedKey, ed25519.PublicKeySize, len(decoded))
	}
	return ed25519.PublicKey(decoded), nil
}

// LoadOrGenerateKeys returns the signing key pair from keyDir, generating
// and persisting a fresh pair on first run.
func LoadOrGenerateKeys(keyDir string) (*KeyPair, error) {
	privPath := filepath.Join(keyDir, PrivateKeyFileName)
	pubPath := filepath.Join(keyDir, PublicKeyFileName)

	pair, err := loadKeys(privPath, pubPath)
	if err == nil {
		log.Debug().
			Str("fingerprint", PublicKeyFingerprint(pair.Public)).
			Msg("license signing keys loaded")
		return pair, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	pair, err = GenerateKeys(keyDir)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("fingerprint", PublicKeyFingerprint(pair.Public)).
		Str("dir", keyDir).
		Msg("generated new license signing key pair")
	return pair, nil
}

// GenerateKeys creates and persists a fresh signing key pair, replacing
// any existing pair. Every token signed with the previous key stops
// verifying, so callers must treat this as an explicit rotation.
func GenerateKeys(keyDir string) (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing keys: %w", err)
	}

	if err := os.MkdirAll(keyDir, keyDirPerm); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}

	privPath := filepath.Join(keyDir, PrivateKeyFileName)
	pubPath := filepath.Join(keyDir, PublicKeyFileName)
	if err := os.WriteFile(privPath, []byte(base64.StdEncoding.EncodeToString(priv)), keyFilePerm); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(pubPath, []byte(base64.StdEncoding.EncodeToString(pub)), keyFilePerm); err != nil {
		return nil, fmt.Errorf("write public key: %w", err)
	}

	return &KeyPair{Private: priv, Public: pub}, nil
}

func loadKeys(privPath, pubPath string) (*KeyPair, error) {
	privRaw, err := os.ReadFile(privPath)
	if err != nil {
		return nil, err
	}
	pubRaw, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, err
	}

	priv, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(privRaw)))
	if err != nil {
		return nil, fmt.Errorf("%w: private key: %v", ErrMalformedKey, err)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key expected %d bytes, got %d", ErrMalformedKey, ed25519.PrivateKeySize, len(priv))
	}

	pub, err := DecodePublicKey(string(pubRaw))
	if err != nil {
		return nil, err
	}

	return &KeyPair{Private: ed25519.PrivateKey(priv), Public: pub}, nil
}
