package rules

import "strings"

// suffixTrie is an O(labels)-per-lookup index over a file's
// domain-anchor and dot-suffix rules, used in place of the linear scan
// for files of up to ~10^5 rules (spec §4.4 "Performance"). It is only
// built for files containing no literal-prefix rules: mixing literal
// prefixes in would require comparing trie-hit rule order against
// linear-scan rule order, which this map-based index doesn't track —
// rather than risk returning the wrong "first rule wins" answer, such
// files fall back to the always-correct linear scan in file.judge.
type suffixTrie struct {
	boundaries map[string]trieEntry
}

type trieEntry struct {
	index     int
	exception bool
}

// buildSuffixTrie returns nil if rs contains any literal-prefix rule,
// or is empty.
func buildSuffixTrie(rs []rule) *suffixTrie {
	for _, r := range rs {
		if r.kind == kindLiteral {
			return nil
		}
	}
	if len(rs) == 0 {
		return nil
	}

	t := &suffixTrie{boundaries: make(map[string]trieEntry, len(rs))}
	for i, r := range rs {
		key := strings.TrimPrefix(r.pattern, ".")
		if _, exists := t.boundaries[key]; exists {
			continue // earlier rule for the same boundary already wins
		}
		t.boundaries[key] = trieEntry{index: i, exception: r.exception}
	}
	return t
}

// lookup returns the decision implied by the earliest-indexed rule
// whose suffix boundary matches host, walking host's dot-delimited
// suffixes from longest to shortest and keeping the minimum rule
// index seen (since a shorter suffix can still be defined earlier in
// the file than a longer one that also matches).
func (t *suffixTrie) lookup(host string) (Decision, bool) {
	best := -1
	var bestException bool

	candidate := host
	for {
		if e, ok := t.boundaries[candidate]; ok {
			if best == -1 || e.index < best {
				best = e.index
				bestException = e.exception
			}
		}
		idx := strings.IndexByte(candidate, '.')
		if idx == -1 {
			break
		}
		candidate = candidate[idx+1:]
	}

	if best == -1 {
		return Unknown, false
	}
	if bestException {
		return Direct, true
	}
	return Proxy, true
}
