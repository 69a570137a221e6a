package redirect

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

type ruleSet struct {
	rules []Rule
}

// Engine matches requests against the current rule set. Rule sets are
// replaced as a whole, so a match never sees a partially updated set.
type Engine struct {
	caseSensitive bool
	current       atomic.Pointer[ruleSet]
}

// NewEngine creates an engine with an initial rule set.
func NewEngine(caseSensitive bool, rules ...Rule) *Engine {
	e := &Engine{caseSensitive: caseSensitive}
	e.store(rules)
	return e
}

// Replace validates rules and swaps them in.
func (e *Engine) Replace(rules []Rule) error {
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i+1, err)
		}
	}
	e.store(rules)
	return nil
}

// LoadFile parses path and swaps its rules in. The current set is kept on error.
func (e *Engine) LoadFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open redirect rules: %w", err)
	}
	defer f.Close()

	rules, err := ParseRules(f)
	if err != nil {
		return 0, err
	}
	e.store(rules)
	return len(rules), nil
}

// Rules returns a copy of the current rule set.
func (e *Engine) Rules() []Rule {
	set := e.current.Load()
	out := make([]Rule, len(set.rules))
	copy(out, set.rules)
	return out
}

// Len reports the number of active rules.
func (e *Engine) Len() int {
	return len(e.current.Load().rules)
}

func (e *Engine) store(rules []Rule) {
	set := &ruleSet{rules: make([]Rule, len(rules))}
	copy(set.rules, rules)
	e.current.Store(set)
}

// Match returns the redirect target and code for the first rule whose From
// pattern, with the wildcard replaced by host, prefixes the request URL.
func (e *Engine) Match(scheme, host string, port int, path string) (string, int, bool) {
	set := e.current.Load()
	if len(set.rules) == 0 {
		return "", 0, false
	}
	if path == "" {
		path = "/"
	}
	candidates := requestURLs(scheme, host, port, path)

	for _, rule := range set.rules {
		from := strings.Replace(rule.From, Wildcard, host, 1)
		for _, candidate := range candidates {
			if !e.hasPrefix(candidate, from) {
				continue
			}
			target := strings.Replace(rule.To, Wildcard, host, 1) + candidate[len(from):]
			return target, rule.Code, true
		}
	}
	return "", 0, false
}

func (e *Engine) hasPrefix(s, prefix string) bool {
	if e.caseSensitive {
		return strings.HasPrefix(s, prefix)
	}
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// requestURLs renders the request as an absolute URL with an explicit port
// and, for the scheme's default port, without one.
func requestURLs(scheme, host string, port int, path string) []string {
	scheme = strings.ToLower(scheme)
	if port == 0 {
		port = defaultPort(scheme)
	}
	explicit := scheme + "://" + host + ":" + strconv.Itoa(port) + path
	if port == defaultPort(scheme) {
		return []string{explicit, scheme + "://" + host + path}
	}
	return []string{explicit}
}

func defaultPort(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}
