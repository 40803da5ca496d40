// Package crypto manages the device's X25519 identity key. The public half is
// announced to peers in KEY_EXCHANGE messages and shown as a fingerprint.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"golang.org/x/crypto/curve25519"
)

const x25519PrivatePEMType = "X25519 PRIVATE KEY"

// ErrInvalidPublicKey is returned when an announced key is not a valid X25519 point.
var ErrInvalidPublicKey = errors.New("crypto: invalid X25519 public key")

// DeviceKey is the long-lived X25519 key of this device.
type DeviceKey struct {
	Private [curve25519.ScalarSize]byte
	Public  [curve25519.PointSize]byte
}

// EnsureDeviceKey loads the device key from disk, generating it on first run.
func EnsureDeviceKey(path string) (*DeviceKey, error) {
	key, err := LoadDeviceKey(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	key, err = GenerateDeviceKey()
	if err != nil {
		return nil, err
	}
	if err := SaveDeviceKey(path, key); err != nil {
		return nil, err
	}
	return key, nil
}

// GenerateDeviceKey creates a new random X25519 key.
func GenerateDeviceKey() (*DeviceKey, error) {
	var private [curve25519.ScalarSize]byte
	if _, err := rand.Read(private[:]); err != nil {
		return nil, fmt.Errorf("generate X25519 private key: %w", err)
	}
	return deviceKeyFromPrivate(private)
}

// LoadDeviceKey reads the private key PEM and derives the public key.
func LoadDeviceKey(path string) (*DeviceKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read X25519 private key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode X25519 PEM: no PEM block")
	}
	if block.Type != x25519PrivatePEMType {
		return nil, fmt.Errorf("decode X25519 PEM: unexpected type %q", block.Type)
	}
	if len(block.Bytes) != curve25519.ScalarSize {
		return nil, fmt.Errorf("decode X25519 PEM: invalid private key size %d", len(block.Bytes))
	}

	var private [curve25519.ScalarSize]byte
	copy(private[:], block.Bytes)
	return deviceKeyFromPrivate(private)
}

// SaveDeviceKey writes the private key PEM file with 0600 permissions.
func SaveDeviceKey(path string, key *DeviceKey) error {
	block := &pem.Block{
		Type:  x25519PrivatePEMType,
		Bytes: key.Private[:],
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write X25519 private key: %w", err)
	}
	return nil
}

// PublicKeyBase64 returns the public key in the form carried by KEY_EXCHANGE content.
func (k *DeviceKey) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(k.Public[:])
}

// Fingerprint returns the fingerprint of the public key.
func (k *DeviceKey) Fingerprint() string {
	return KeyFingerprint(k.Public[:])
}

// DecodePublicKey parses a base64 public key announced by a peer.
func DecodePublicKey(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if len(raw) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: size %d", ErrInvalidPublicKey, len(raw))
	}
	return raw, nil
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}

func deviceKeyFromPrivate(private [curve25519.ScalarSize]byte) (*DeviceKey, error) {
	public, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive X25519 public key: %w", err)
	}
	key := &DeviceKey{Private: private}
	copy(key.Public[:], public)
	return key, nil
}
