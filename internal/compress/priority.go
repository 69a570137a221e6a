// Package compress negotiates response content-encoding against an operator
// supplied priority list and runs the selected codec.
package compress

import (
	"fmt"
	"strings"
)

// Codec names as they appear on the wire in Content-Encoding.
const (
	Identity = "identity"
	Brotli   = "br"
	Gzip     = "gzip"
	Deflate  = "deflate"
	Zstd     = "zstd"
)

// Level selects an internal speed/ratio tier; it is never sent to the client.
type Level int

const (
	LevelFast Level = iota
	LevelBalanced
	LevelBest
)

func (l Level) String() string {
	switch l {
	case LevelFast:
		return "Fast"
	case LevelBest:
		return "Best"
	default:
		return "Balanced"
	}
}

// Choice is one (codec, level) pair of a priority list or a negotiation result.
type Choice struct {
	Codec string
	Level Level
}

// IsIdentity reports whether no content-encoding should be applied.
func (c Choice) IsIdentity() bool {
	return c.Codec == "" || c.Codec == Identity
}

func (c Choice) String() string {
	if c.IsIdentity() {
		return Identity
	}
	return c.Codec + ":" + c.Level.String()
}

// Priority is an ordered preference list; earlier entries win.
type Priority []Choice

func (p Priority) String() string {
	parts := make([]string, len(p))
	for i, c := range p {
		parts[i] = c.String()
	}
	return strings.Join(parts, ", ")
}

// Codecs returns the codec names in priority order.
func (p Priority) Codecs() []string {
	out := make([]string, len(p))
	for i, c := range p {
		out[i] = c.Codec
	}
	return out
}

var knownCodecs = map[string]struct{}{
	Brotli:  {},
	Gzip:    {},
	Deflate: {},
	Zstd:    {},
}

// ParsePriority parses "br:Balanced, deflate:Balanced, gzip:Balanced".
// A missing level means Balanced; a codec listed twice keeps its first position.
func ParsePriority(spec string) (Priority, error) {
	var out Priority
	seen := make(map[string]struct{})
	for _, raw := range strings.Split(spec, ",") {
		item := strings.TrimSpace(raw)
		if item == "" {
			continue
		}
		name, levelName, _ := strings.Cut(item, ":")
		codec := strings.ToLower(strings.TrimSpace(name))
		if codec == "x-gzip" {
			codec = Gzip
		}
		if _, ok := knownCodecs[codec]; !ok {
			return nil, fmt.Errorf("unknown compression codec %q", name)
		}
		level, err := parseLevel(levelName)
		if err != nil {
			return nil, fmt.Errorf("codec %s: %w", codec, err)
		}
		if _, dup := seen[codec]; dup {
			continue
		}
		seen[codec] = struct{}{}
		out = append(out, Choice{Codec: codec, Level: level})
	}
	return out, nil
}

// MustParsePriority panics on malformed input; intended for package-level defaults.
func MustParsePriority(spec string) Priority {
	p, err := ParsePriority(spec)
	if err != nil {
		panic(err)
	}
	return p
}

func parseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "balanced", "optimal", "default":
		return LevelBalanced, nil
	case "fast", "fastest":
		return LevelFast, nil
	case "best", "smallest", "smallestsize":
		return LevelBest, nil
	default:
		return LevelBalanced, fmt.Errorf("unknown compression level %q", raw)
	}
}
