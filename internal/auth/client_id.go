package auth

import (
	"errors"
	"fmt"

	"golang.org/x/text/secure/precis"
)

const maxClientIDLength = 128

// ErrInvalidClientID is returned for client ids that cannot be used as
// registry keys.
var ErrInvalidClientID = errors.New("invalid client id")

// NormalizeClientID applies the PRECIS UsernameCasePreserved profile so that
// visually identical ids map to the same registry key.
func NormalizeClientID(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidClientID)
	}
	normalized, err := precis.UsernameCasePreserved.String(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidClientID, err)
	}
	if len(normalized) > maxClientIDLength {
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidClientID, maxClientIDLength)
	}
	return normalized, nil
}
