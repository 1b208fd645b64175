// Package pattern provides the shared glob matcher used for resource and
// action scoping. `*` matches any substring; every other character is
// literal. Patterns with a single `*` compile to a prefix/suffix test,
// everything else falls back to an anchored regexp.
package pattern

import (
	"regexp"
	"strings"
	"sync"
)

// Match reports whether value matches the glob pattern.
func Match(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == value
	}
	if strings.Count(pattern, "*") == 1 {
		idx := strings.Index(pattern, "*")
		prefix, suffix := pattern[:idx], pattern[idx+1:]
		return len(value) >= len(prefix)+len(suffix) &&
			strings.HasPrefix(value, prefix) &&
			strings.HasSuffix(value, suffix)
	}
	return compile(pattern).MatchString(value)
}

// MatchAny reports whether any pattern in patterns matches value.
func MatchAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if Match(p, value) {
			return true
		}
	}
	return false
}

// Covers reports whether the outer pattern covers the inner pattern,
// i.e. every string matched by inner is also matched by outer. Used for
// delegation scope subsumption checks. inner may itself contain `*`;
// coverage is decided by matching inner against outer with `*` treated
// as an opaque literal on the inner side, which is exact for the
// single-star shapes used in scopes and conservative otherwise.
func Covers(outer, inner string) bool {
	if outer == "*" {
		return true
	}
	if outer == inner {
		return true
	}
	if !strings.Contains(inner, "*") {
		return Match(outer, inner)
	}
	// inner is itself a pattern: require the outer pattern to match both
	// the narrowest ("" for each star) and a widening probe of inner.
	narrow := strings.ReplaceAll(inner, "*", "")
	probe := strings.ReplaceAll(inner, "*", "\x00")
	return Match(outer, narrow) && Match(outer, probe)
}

var (
	regexMu    sync.RWMutex
	regexCache = make(map[string]*regexp.Regexp)
)

func compile(pattern string) *regexp.Regexp {
	regexMu.RLock()
	re, ok := regexCache[pattern]
	regexMu.RUnlock()
	if ok {
		return re
	}

	expr := "^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*") + "$"
	re = regexp.MustCompile(expr)

	regexMu.Lock()
	regexCache[pattern] = re
	regexMu.Unlock()
	return re
}
