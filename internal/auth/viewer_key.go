package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	viewerKeyHashIterations = 120000
	viewerKeyHashKeyLength  = 32
	viewerKeySaltLength     = 16
	minViewerKeyLength      = 8
)

var (
	// ErrInvalidViewerKey is returned when a presented viewer key does not
	// match the stream's stored hash.
	ErrInvalidViewerKey = errors.New("invalid viewer key")
	// ErrViewerKeyTooShort rejects keys that are too short to hash.
	ErrViewerKeyTooShort = fmt.Errorf("viewer key must be at least %d characters", minViewerKeyLength)
)

// HashViewerKey derives a pbkdf2$sha256$<iterations>$<salt>$<key> string
// suitable for the viewer_key_hash stream setting.
func HashViewerKey(key string) (string, error) {
	if len(key) < minViewerKeyLength {
		return "", ErrViewerKeyTooShort
	}
	salt := make([]byte, viewerKeySaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(key), salt, viewerKeyHashIterations, viewerKeyHashKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", viewerKeyHashIterations, encodedSalt, encodedKey), nil
}

// ValidateViewerKeyHash checks that encodedHash is well formed without
// verifying any candidate against it.
func ValidateViewerKeyHash(encodedHash string) error {
	_, _, _, err := parseViewerKeyHash(encodedHash)
	return err
}

// VerifyViewerKey compares candidate against encodedHash in constant time.
func VerifyViewerKey(encodedHash, candidate string) error {
	iterations, salt, storedKey, err := parseViewerKeyHash(encodedHash)
	if err != nil {
		return err
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(storedKey), sha256.New)
	if subtle.ConstantTimeCompare(derived, storedKey) != 1 {
		return ErrInvalidViewerKey
	}
	return nil
}

func parseViewerKeyHash(encodedHash string) (int, []byte, []byte, error) {
	parts := strings.Split(strings.TrimSpace(encodedHash), "$")
	if len(parts) != 5 {
		return 0, nil, nil, errors.New("viewer key hash: invalid format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return 0, nil, nil, errors.New("viewer key hash: unsupported hash identifier")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return 0, nil, nil, errors.New("viewer key hash: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return 0, nil, nil, fmt.Errorf("viewer key hash: decode salt: %w", err)
	}
	storedKey, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(storedKey) == 0 {
		return 0, nil, nil, errors.New("viewer key hash: invalid key")
	}
	return iterations, salt, storedKey, nil
}
