package layering

import (
	"fmt"
	"strings"
)

// Level identifies the precedence of a feature-state source. Higher levels
// override lower levels when layering.
type Level int

const (
	// LevelUnknown guards against misconfiguration so call sites can detect
	// missing metadata.
	LevelUnknown Level = iota
	// LevelEnvironment is the weakest layer: the environment default state.
	LevelEnvironment
	// LevelSegment is a segment override ranked by its priority.
	LevelSegment
	// LevelIdentity is an override for one identity and always wins.
	LevelIdentity
)

func (l Level) String() string {
	switch l {
	case LevelEnvironment:
		return "environment"
	case LevelSegment:
		return "segment"
	case LevelIdentity:
		return "identity"
	default:
		return "unknown"
	}
}

// ParseLevel converts a string into the corresponding Level. Returns
// LevelUnknown for unrecognised values.
func ParseLevel(value string) Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "environment":
		return LevelEnvironment
	case "segment":
		return LevelSegment
	case "identity":
		return LevelIdentity
	default:
		return LevelUnknown
	}
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(text []byte) error {
	*l = ParseLevel(string(text))
	return nil
}

// Scope names one feature-state source.
type Scope struct {
	Feature     int    `json:"feature"`
	Level       Level  `json:"level"`
	Environment string `json:"environment,omitempty"`
	Segment     int    `json:"segment,omitempty"`
	Identity    int    `json:"identity,omitempty"`
}

// Identifier returns a stable slug used for trace output and storage keys
// (e.g. "segment/12/feature/3").
func (s Scope) Identifier() string {
	switch s.Level {
	case LevelIdentity:
		return fmt.Sprintf("identity/%d/feature/%d", s.Identity, s.Feature)
	case LevelSegment:
		return fmt.Sprintf("segment/%d/feature/%d", s.Segment, s.Feature)
	case LevelEnvironment:
		return fmt.Sprintf("environment/%s/feature/%d", s.Environment, s.Feature)
	default:
		return fmt.Sprintf("unknown/feature/%d", s.Feature)
	}
}
