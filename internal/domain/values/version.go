package values

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// versionPattern is the manifest grammar: a semver triple with an optional
// pre-release tag. Build metadata is not accepted at the manifest boundary.
var versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[A-Za-z0-9-]+)?$`)

// Version represents a validated plugin version.
// Wraps a parsed semver for ordering and compatibility comparisons.
type Version struct {
	raw    string
	parsed *semver.Version
}

// NewVersion creates a Version with validation against the manifest grammar.
func NewVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if !versionPattern.MatchString(s) {
		return Version{}, fmt.Errorf("version %q must be a semver triple with optional pre-release", s)
	}
	parsed, err := semver.StrictNewVersion(s)
	if err != nil {
		return Version{}, fmt.Errorf("invalid semver %q: %w", s, err)
	}
	return Version{raw: s, parsed: parsed}, nil
}

// MustNewVersion creates a Version or panics
func MustNewVersion(s string) Version {
	v, err := NewVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String returns the raw version string
func (v Version) String() string {
	return v.raw
}

// IsEmpty returns true if this is the zero value
func (v Version) IsEmpty() bool {
	return v.raw == ""
}

// Equals checks version equality
func (v Version) Equals(other Version) bool {
	return v.raw == other.raw
}

// Major returns the major component
func (v Version) Major() uint64 {
	return v.parsed.Major()
}

// Compare orders two versions per semver rules: pre-release tags order
// lower than the corresponding release.
func (v Version) Compare(other Version) int {
	return v.parsed.Compare(other.parsed)
}

// MarshalJSON implements json.Marshaler
func (v Version) MarshalJSON() ([]byte, error) {
	return []byte(`"` + v.raw + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler
func (v *Version) UnmarshalJSON(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("invalid version JSON")
	}
	ver, err := NewVersion(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*v = ver
	return nil
}

// CompareVersionStrings orders two version strings for listing purposes:
// parseable semver pairs compare semantically, anything else falls back to
// lexical comparison so that non-semver rows still sort deterministically.
func CompareVersionStrings(a, b string) int {
	va, errA := semver.StrictNewVersion(a)
	vb, errB := semver.StrictNewVersion(b)
	if errA == nil && errB == nil {
		return va.Compare(vb)
	}
	return strings.Compare(a, b)
}
