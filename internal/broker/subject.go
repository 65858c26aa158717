package broker

import "strings"

// Subject grammar: dot-separated non-empty tokens. Patterns may use `*` to
// match exactly one token and `>` to match one or more trailing tokens.
// Publish subjects are literal and carry no wildcards.

// ValidSubject reports whether s is a literal subject suitable for publish.
func ValidSubject(s string) bool {
	if s == "" {
		return false
	}
	for _, tok := range strings.Split(s, ".") {
		if tok == "" || tok == "*" || tok == ">" {
			return false
		}
	}
	return true
}

// ValidPattern reports whether p is a subscription pattern. `*` must stand
// alone in its token; `>` must be the final token.
func ValidPattern(p string) bool {
	if p == "" {
		return false
	}
	tokens := strings.Split(p, ".")
	for i, tok := range tokens {
		switch {
		case tok == "":
			return false
		case tok == ">":
			if i != len(tokens)-1 {
				return false
			}
		case strings.ContainsAny(tok, "*>") && tok != "*":
			return false
		}
	}
	return true
}

// Match reports whether a literal subject matches a subscription pattern.
func Match(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, tok := range pt {
		if tok == ">" {
			// tail wildcard needs at least one remaining subject token
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(st) == len(pt)
}
