package models

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// IdentityLen is the size in bytes of a relay identity digest.
const IdentityLen = 20

// Fingerprint is the 40-character uppercase hex form of a relay identity.
type Fingerprint string

// FingerprintFromIdentity hex-encodes a 20-byte identity digest.
func FingerprintFromIdentity(identity []byte) (Fingerprint, error) {
	if len(identity) != IdentityLen {
		return "", fmt.Errorf("identity must be %d bytes, got %d", IdentityLen, len(identity))
	}
	return Fingerprint(strings.ToUpper(hex.EncodeToString(identity))), nil
}

// Identity decodes the fingerprint back to the raw 20-byte digest.
func (f Fingerprint) Identity() ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return hex.DecodeString(string(f))
}

// Validate checks that the fingerprint is 40 uppercase hex characters
func (f Fingerprint) Validate() error {
	if len(f) != 2*IdentityLen {
		return fmt.Errorf("fingerprint must be %d characters, got %d", 2*IdentityLen, len(f))
	}
	for _, c := range f {
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'F') {
			return errors.New("fingerprint must be uppercase hexadecimal")
		}
	}
	return nil
}

// DayMapping maps each relay seen on one day to its bandwidth value.
type DayMapping map[Fingerprint]uint64

// Validate checks every key of the mapping
func (m DayMapping) Validate() error {
	for fp := range m {
		if err := fp.Validate(); err != nil {
			return fmt.Errorf("invalid mapping key %q: %w", fp, err)
		}
	}
	return nil
}
