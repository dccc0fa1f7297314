// Package varengine evaluates the closed set of {{...}} template directives
// embedded in preset item content (SPEC_FULL.md §4.2). It is a hand-written
// left-to-right scanner, not a general templating engine, by design.
package varengine

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

// Scope holds the per-request state a single expansion pass needs: the
// setvar/getvar variable table and the PRNG. A Scope is created fresh per
// request (SPEC_FULL.md §9 "Per-request randomness scope") and discarded
// after expansion.
type Scope struct {
	vars map[string]string
	rng  *rand.Rand
	now  time.Time
}

// NewScope creates a request-scoped evaluation context. seed pins the PRNG
// for reproducible test harness runs (SPEC_FULL.md §6); without an override
// the orchestrator passes a clock-derived value.
func NewScope(seed uint64, now time.Time) *Scope {
	return &Scope{
		vars: make(map[string]string),
		rng:  rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now:  now,
	}
}

// Engine evaluates directives against a Scope.
type Engine struct{}

// New creates a VarEngine.
func New() *Engine { return &Engine{} }

// Expand performs one left-to-right pass over content, evaluating each
// {{...}} directive as it is encountered (SPEC_FULL.md §4.2). Directives do
// not nest: each {{ is closed by the first }} after it, so a directive inside
// another is not evaluated first. Unrecognized directives are left verbatim.
func (e *Engine) Expand(content string, scope *Scope) string {
	var out strings.Builder
	i := 0
	for i < len(content) {
		start := strings.Index(content[i:], "{{")
		if start < 0 {
			out.WriteString(content[i:])
			break
		}
		start += i
		out.WriteString(content[i:start])

		rel := strings.Index(content[start+2:], "}}")
		if rel < 0 {
			// No matching close — copy the rest verbatim and stop.
			out.WriteString(content[start:])
			break
		}
		end := start + 2 + rel

		directive := content[start+2 : end]
		result, recognized := e.evaluate(directive, scope)
		if recognized {
			out.WriteString(result)
		} else {
			out.WriteString(content[start : end+2])
		}
		i = end + 2
	}
	return out.String()
}

func (e *Engine) evaluate(directive string, scope *Scope) (result string, recognized bool) {
	d := strings.TrimSpace(directive)
	lower := strings.ToLower(d)

	switch {
	case strings.HasPrefix(d, "#"):
		return "", true

	case strings.HasPrefix(lower, "roll"):
		rest := strings.TrimSpace(d[len("roll"):])
		return e.evalRoll(rest, scope), true

	case strings.HasPrefix(lower, "random::") || lower == "random":
		parts := strings.Split(d, "::")
		alts := parts[1:]
		if len(alts) == 0 {
			return "", true
		}
		idx := scope.rng.IntN(len(alts))
		return alts[idx], true

	case strings.HasPrefix(lower, "setvar::"):
		parts := strings.SplitN(d, "::", 3)
		if len(parts) < 3 {
			return "", true
		}
		scope.vars[parts[1]] = parts[2]
		return "", true

	case strings.HasPrefix(lower, "getvar::"):
		parts := strings.SplitN(d, "::", 2)
		if len(parts) < 2 {
			return "", true
		}
		return scope.vars[parts[1]], true

	case lower == "date":
		return scope.now.Format("2006-01-02"), true

	case lower == "time":
		return scope.now.Format("15:04:05"), true
	}

	return "", false
}

// evalRoll handles both "<N>d<M>" and the "<M>" shorthand for "1d<M>".
func (e *Engine) evalRoll(spec string, scope *Scope) string {
	n, m, ok := parseDice(spec)
	if !ok {
		return ""
	}
	total := 0
	for i := 0; i < n; i++ {
		total += 1 + scope.rng.IntN(m)
	}
	return strconv.Itoa(total)
}

func parseDice(spec string) (n, m int, ok bool) {
	spec = strings.TrimSpace(spec)
	if idx := strings.IndexByte(spec, 'd'); idx >= 0 {
		nStr, mStr := spec[:idx], spec[idx+1:]
		n = 1
		if nStr != "" {
			var err error
			n, err = strconv.Atoi(nStr)
			if err != nil || n < 1 {
				return 0, 0, false
			}
		}
		m, err := strconv.Atoi(mStr)
		if err != nil || m < 1 {
			return 0, 0, false
		}
		return n, m, true
	}

	m, err := strconv.Atoi(spec)
	if err != nil || m < 1 {
		return 0, 0, false
	}
	return 1, m, true
}
