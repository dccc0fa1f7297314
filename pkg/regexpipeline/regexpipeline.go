// Package regexpipeline applies an ordered list of compiled regex
// substitutions to a string (SPEC_FULL.md §4.4). Rules that fail to compile
// are rejected by the caller (AdminAPI) at insertion time; rules that fail
// at runtime skip that rule and are reported through a warning callback.
package regexpipeline

import (
	"regexp"

	"github.com/wisbric/novarelay/pkg/store"
)

// Rule is a compiled RegexRule ready to apply.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// Compile compiles a store.RegexRule's pattern. Callers (AdminAPI) use this
// at write time to reject uncompilable patterns before they're persisted.
func Compile(r store.RegexRule) (Rule, error) {
	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return Rule{}, err
	}
	return Rule{Name: r.Name, Pattern: re, Replacement: r.Replacement}, nil
}

// Pipeline is an ordered, phase-agnostic list of compiled rules. Build one
// per (phase, request) by merging account-level then preset-level rules,
// each already filtered to the phase and enabled=true, in sort-order.
type Pipeline struct {
	rules []Rule
}

// New builds a Pipeline from already-ordered compiled rules.
func New(rules []Rule) *Pipeline {
	return &Pipeline{rules: rules}
}

// WarnFunc is called once per rule that panics during Apply, so the
// orchestrator can log a warning and continue (SPEC_FULL.md §4.4: "skip
// that rule, log a warning, and continue").
type WarnFunc func(ruleName string, recovered any)

// Apply runs every rule in order against input, skipping any rule whose
// execution panics (e.g. a rule with a nil compiled pattern) after
// reporting it via warn. An empty pipeline is the identity on its input.
func (p *Pipeline) Apply(input string, warn WarnFunc) string {
	out := input
	for _, r := range p.rules {
		out = applyOne(r, out, warn)
	}
	return out
}

func applyOne(r Rule, input string, warn WarnFunc) (result string) {
	defer func() {
		if rec := recover(); rec != nil {
			if warn != nil {
				warn(r.Name, rec)
			}
			result = input
		}
	}()
	return r.Pattern.ReplaceAllString(input, r.Replacement)
}

// BuildOrdered merges account-level rules (first) and preset-level rules
// (second) for a single phase, compiling each and dropping any that fail to
// compile (defensive — AdminAPI should have already rejected these at
// insertion time, so this should never trigger in practice; if it does, the
// rule is skipped rather than failing the whole pipeline). Both inputs must
// already be filtered to enabled=true and the desired phase, and sorted by
// SortOrder ascending (Store does this).
func BuildOrdered(accountRules, presetRules []store.RegexRule) *Pipeline {
	var compiled []Rule
	for _, r := range accountRules {
		if c, err := Compile(r); err == nil {
			compiled = append(compiled, c)
		}
	}
	for _, r := range presetRules {
		if c, err := Compile(r); err == nil {
			compiled = append(compiled, c)
		}
	}
	return New(compiled)
}
