// Package reply selects canned assistant replies by first-match-wins pattern lookup.
package reply

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrInvalidRule is returned when a rule has no matcher or no response.
var ErrInvalidRule = errors.New("invalid reply rule")

// Rule pairs a matcher with the response returned when it matches.
type Rule struct {
	Matcher  *regexp.Regexp
	Response string
}

// RuleDef is the uncompiled form of a Rule, as written in content files.
type RuleDef struct {
	Pattern  string `yaml:"pattern" json:"pattern"`
	Response string `yaml:"response" json:"response"`
}

// Selector maps input text to a response using an ordered rule list.
// A Selector is immutable and safe for concurrent use.
type Selector struct {
	rules    []Rule
	fallback string
}

// NewSelector builds a selector from rules in precedence order.
func NewSelector(rules []Rule, fallback string) (*Selector, error) {
	if strings.TrimSpace(fallback) == "" {
		return nil, fmt.Errorf("%w: fallback response is empty", ErrInvalidRule)
	}
	copied := make([]Rule, len(rules))
	for i, r := range rules {
		if r.Matcher == nil {
			return nil, fmt.Errorf("%w: rule %d has no matcher", ErrInvalidRule, i)
		}
		if strings.TrimSpace(r.Response) == "" {
			return nil, fmt.Errorf("%w: rule %d has an empty response", ErrInvalidRule, i)
		}
		copied[i] = r
	}
	return &Selector{rules: copied, fallback: fallback}, nil
}

// CompileRules compiles definitions into case-insensitive rules, keeping order.
func CompileRules(defs []RuleDef) ([]Rule, error) {
	rules := make([]Rule, 0, len(defs))
	for i, d := range defs {
		if strings.TrimSpace(d.Pattern) == "" {
			return nil, fmt.Errorf("%w: rule %d has an empty pattern", ErrInvalidRule, i)
		}
		re, err := regexp.Compile("(?i)" + d.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile rule %d %q: %w", i, d.Pattern, err)
		}
		rules = append(rules, Rule{Matcher: re, Response: d.Response})
	}
	return rules, nil
}

// Select returns the response of the first rule matching anywhere in input,
// or the fallback when none does.
func (s *Selector) Select(input string) string {
	input = maskASCIIFolds(input)
	for _, r := range s.rules {
		if r.Matcher.MatchString(input) {
			return r.Response
		}
	}
	return s.fallback
}

// Len returns the number of rules.
func (s *Selector) Len() int {
	return len(s.rules)
}

// maskASCIIFolds replaces non-ASCII runes that case-fold onto an ASCII letter
// (the Kelvin sign, the long s) so that (?i) only folds ASCII onto ASCII, as a
// browser's /i does without the u flag.
func maskASCIIFolds(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return strings.Map(func(r rune) rune {
				if foldsToASCII(r) {
					return utf8.RuneError
				}
				return r
			}, s)
		}
	}
	return s
}

func foldsToASCII(r rune) bool {
	if r < utf8.RuneSelf {
		return false
	}
	for f := unicode.SimpleFold(r); f != r; f = unicode.SimpleFold(f) {
		if f < utf8.RuneSelf {
			return true
		}
	}
	return false
}
