package values

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
)

var checksumPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Checksum represents a SHA-256 digest of bundle bytes, hex-encoded.
type Checksum struct {
	value string
}

// ComputeChecksum hashes the given bytes with SHA-256.
func ComputeChecksum(data []byte) Checksum {
	sum := sha256.Sum256(data)
	return Checksum{value: hex.EncodeToString(sum[:])}
}

// NewChecksum validates a hex-encoded SHA-256 digest.
func NewChecksum(s string) (Checksum, error) {
	if !checksumPattern.MatchString(s) {
		return Checksum{}, fmt.Errorf("checksum must be 64 lowercase hex characters")
	}
	return Checksum{value: s}, nil
}

// MustNewChecksum creates a Checksum or panics
func MustNewChecksum(s string) Checksum {
	c, err := NewChecksum(s)
	if err != nil {
		panic(err)
	}
	return c
}

// String returns the hex digest
func (c Checksum) String() string {
	return c.value
}

// IsEmpty returns true if this is the zero value
func (c Checksum) IsEmpty() bool {
	return c.value == ""
}

// Equals checks digest equality
func (c Checksum) Equals(other Checksum) bool {
	return c.value == other.value
}

// MarshalJSON implements json.Marshaler
func (c Checksum) MarshalJSON() ([]byte, error) {
	return []byte(`"` + c.value + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler
func (c *Checksum) UnmarshalJSON(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("invalid checksum JSON")
	}
	cs, err := NewChecksum(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*c = cs
	return nil
}
