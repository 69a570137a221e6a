package compress

import (
	"strconv"
	"strings"
)

// Accept is one entry of an Accept-Encoding header.
type Accept struct {
	Coding string
	Q      float64
}

// ParseAccept parses an Accept-Encoding header. Malformed q-values count as 1.
func ParseAccept(header string) []Accept {
	var out []Accept
	for _, raw := range strings.Split(header, ",") {
		part := strings.TrimSpace(raw)
		if part == "" {
			continue
		}
		coding, params, _ := strings.Cut(part, ";")
		accept := Accept{Coding: strings.ToLower(strings.TrimSpace(coding)), Q: 1}
		for _, param := range strings.Split(params, ";") {
			key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
			if !ok || strings.ToLower(strings.TrimSpace(key)) != "q" {
				continue
			}
			if q, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
				accept.Q = q
			}
		}
		if accept.Coding == "x-gzip" {
			accept.Coding = Gzip
		}
		out = append(out, accept)
	}
	return out
}

// Accepts reports whether codec is acceptable under the parsed header.
// An explicit entry wins over the "*" wildcard; q=0 means "not acceptable".
func Accepts(accepts []Accept, codec string) bool {
	wildcard := -1.0
	for _, a := range accepts {
		if a.Coding == codec {
			return a.Q > 0
		}
		if a.Coding == "*" {
			wildcard = a.Q
		}
	}
	return wildcard > 0
}

// Negotiate picks the first codec of priority the client accepts. Server order
// wins over client preference. Non-compressible content and an empty
// intersection both yield identity; neither is an error.
func Negotiate(priority Priority, acceptHeader string, compressible bool) Choice {
	if !compressible || len(priority) == 0 {
		return Choice{Codec: Identity}
	}
	accepts := ParseAccept(acceptHeader)
	if len(accepts) == 0 {
		return Choice{Codec: Identity}
	}
	for _, choice := range priority {
		if Accepts(accepts, choice.Codec) {
			return choice
		}
	}
	return Choice{Codec: Identity}
}

// Acceptable filters priority down to the codecs the client accepts, keeping
// server order. The static resolver uses it to look for precompressed siblings.
func Acceptable(priority Priority, acceptHeader string) []string {
	accepts := ParseAccept(acceptHeader)
	var out []string
	for _, choice := range priority {
		if Accepts(accepts, choice.Codec) {
			out = append(out, choice.Codec)
		}
	}
	return out
}

// Negotiator holds the two server priority lists: one tuned for speed for
// content generated per request, one tuned for ratio for content that is
// compressed once and then served from the response cache.
type Negotiator struct {
	Fresh  Priority
	Cached Priority
}

// NewNegotiator parses both lists.
func NewNegotiator(fresh, cached string) (*Negotiator, error) {
	f, err := ParsePriority(fresh)
	if err != nil {
		return nil, err
	}
	c, err := ParsePriority(cached)
	if err != nil {
		return nil, err
	}
	return &Negotiator{Fresh: f, Cached: c}, nil
}

// For returns the list matching the caching mode of the response.
func (n *Negotiator) For(cached bool) Priority {
	if n == nil {
		return nil
	}
	if cached {
		return n.Cached
	}
	return n.Fresh
}

// Choose negotiates against the list for the caching mode. override, when
// non-empty, replaces the server list (a handler-declared priority); an
// unparsable override falls back to the server list.
func (n *Negotiator) Choose(cached bool, override, acceptHeader string, compressible bool) Choice {
	priority := n.For(cached)
	if override != "" {
		if p, err := ParsePriority(override); err == nil {
			priority = p
		}
	}
	return Negotiate(priority, acceptHeader, compressible)
}
