// Package redirect implements host-wildcard redirection rules, an engine that
// matches requests against an atomically swapped rule set, and a watcher that
// reloads the rule set from a file.
package redirect

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Wildcard is replaced with the literal request host at match time.
const Wildcard = "*"

// DefaultCode is used when a rule line carries no code.
const DefaultCode = 302

var allowedCodes = map[int]bool{301: true, 302: true, 307: true, 308: true}

// Rule redirects URLs starting with From to To.
type Rule struct {
	From string
	To   string
	Code int
}

// Validate checks the code and wildcard count.
func (r Rule) Validate() error {
	if r.From == "" || r.To == "" {
		return errors.New("from and to are required")
	}
	if !allowedCodes[r.Code] {
		return fmt.Errorf("unsupported redirect code %d", r.Code)
	}
	if strings.Count(r.From, Wildcard) > 1 || strings.Count(r.To, Wildcard) > 1 {
		return errors.New("at most one wildcard per pattern")
	}
	return nil
}

func (r Rule) String() string {
	return fmt.Sprintf("%q %q %d", r.From, r.To, r.Code)
}

// LineError reports a malformed rule line.
type LineError struct {
	Line   int
	Reason string
}

func (e *LineError) Error() string {
	return fmt.Sprintf("redirect rules line %d: %s", e.Line, e.Reason)
}

// ParseRules reads one rule per line: `From To [Code]`. Blank lines and lines
// starting with # are skipped; values may be double-quoted.
func ParseRules(r io.Reader) ([]Rule, error) {
	var rules []Rule
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if lineNo == 1 {
			line = strings.TrimPrefix(line, "\ufeff")
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields, err := splitFields(line)
		if err != nil {
			return nil, &LineError{Line: lineNo, Reason: err.Error()}
		}
		if len(fields) < 2 || len(fields) > 3 {
			return nil, &LineError{Line: lineNo, Reason: fmt.Sprintf("expected `From To [Code]`, got %d fields", len(fields))}
		}
		rule := Rule{From: fields[0], To: fields[1], Code: DefaultCode}
		if len(fields) == 3 {
			code, err := strconv.Atoi(fields[2])
			if err != nil {
				return nil, &LineError{Line: lineNo, Reason: fmt.Sprintf("invalid code %q", fields[2])}
			}
			rule.Code = code
		}
		if err := rule.Validate(); err != nil {
			return nil, &LineError{Line: lineNo, Reason: err.Error()}
		}
		rules = append(rules, rule)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read redirect rules: %w", err)
	}
	return rules, nil
}

// splitFields splits on whitespace, keeping double-quoted values intact.
// Inside quotes, \" and \\ are unescaped.
func splitFields(line string) ([]string, error) {
	var (
		fields  []string
		current strings.Builder
		inQuote bool
		quoted  bool
	)
	flush := func() {
		if current.Len() > 0 || quoted {
			fields = append(fields, current.String())
		}
		current.Reset()
		quoted = false
	}
	for i := 0; i < len(line); i++ {
		ch := line[i]
		switch {
		case inQuote && ch == '\\' && i+1 < len(line) && (line[i+1] == '"' || line[i+1] == '\\'):
			current.WriteByte(line[i+1])
			i++
		case ch == '"':
			if !inQuote && current.Len() > 0 {
				return nil, errors.New("quote inside unquoted value")
			}
			inQuote = !inQuote
			quoted = true
			if !inQuote && i+1 < len(line) && line[i+1] != ' ' && line[i+1] != '\t' {
				return nil, errors.New("closing quote must be followed by whitespace")
			}
		case !inQuote && (ch == ' ' || ch == '\t'):
			flush()
		case !inQuote && ch == '#' && current.Len() == 0 && !quoted:
			// 行尾注释
			i = len(line)
		default:
			current.WriteByte(ch)
		}
	}
	if inQuote {
		return nil, errors.New("unterminated quote")
	}
	flush()
	return fields, nil
}
