package values

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// TrustLevel is one of the five ranked trust tiers gating capability access.
// Levels form a strict total order on their integer ranks.
type TrustLevel struct {
	name string
	rank int
}

var (
	TrustQuarantined = TrustLevel{name: "QUARANTINED", rank: 0}
	TrustUntrusted   = TrustLevel{name: "UNTRUSTED", rank: 1}
	TrustCommunity   = TrustLevel{name: "COMMUNITY", rank: 2}
	TrustVerified    = TrustLevel{name: "VERIFIED", rank: 3}
	TrustInternal    = TrustLevel{name: "INTERNAL", rank: 4}
)

// AllTrustLevels returns every level in ascending rank order.
func AllTrustLevels() []TrustLevel {
	return []TrustLevel{
		TrustQuarantined,
		TrustUntrusted,
		TrustCommunity,
		TrustVerified,
		TrustInternal,
	}
}

// NewTrustLevel parses a level name, case-insensitively.
func NewTrustLevel(s string) (TrustLevel, error) {
	for _, level := range AllTrustLevels() {
		if strings.EqualFold(s, level.name) {
			return level, nil
		}
	}
	return TrustLevel{}, fmt.Errorf("invalid trust level: %q", s)
}

// MustNewTrustLevel parses a level name and panics on invalid input.
func MustNewTrustLevel(s string) TrustLevel {
	level, err := NewTrustLevel(s)
	if err != nil {
		panic(err)
	}
	return level
}

// String returns the canonical upper-case level name.
func (t TrustLevel) String() string {
	return t.name
}

// Rank returns the level's position in the total order, QUARANTINED=0
// through INTERNAL=4.
func (t TrustLevel) Rank() int {
	return t.rank
}

// IsZero reports whether the level is the unset zero value.
func (t TrustLevel) IsZero() bool {
	return t.name == ""
}

// Meets reports whether this level satisfies the given minimum.
func (t TrustLevel) Meets(min TrustLevel) bool {
	return t.rank >= min.rank
}

// Equals compares levels by rank.
func (t TrustLevel) Equals(other TrustLevel) bool {
	return t.rank == other.rank && t.name == other.name
}

// MarshalJSON encodes the level as its name.
func (t TrustLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.name)
}

// UnmarshalJSON decodes a level name.
func (t *TrustLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	level, err := NewTrustLevel(s)
	if err != nil {
		return err
	}
	*t = level
	return nil
}

// MarshalYAML encodes the level as its name for policy files.
func (t TrustLevel) MarshalYAML() ([]byte, error) {
	return []byte(t.name), nil
}

// UnmarshalYAML decodes a level name from a policy file.
func (t *TrustLevel) UnmarshalYAML(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"'`)
	level, err := NewTrustLevel(s)
	if err != nil {
		return err
	}
	*t = level
	return nil
}

// Value implements driver.Valuer for SQL storage.
func (t TrustLevel) Value() (driver.Value, error) {
	return t.name, nil
}

// Scan implements sql.Scanner.
func (t *TrustLevel) Scan(src any) error {
	switch v := src.(type) {
	case string:
		level, err := NewTrustLevel(v)
		if err != nil {
			return err
		}
		*t = level
		return nil
	case []byte:
		return t.Scan(string(v))
	default:
		return fmt.Errorf("cannot scan %T into TrustLevel", src)
	}
}
