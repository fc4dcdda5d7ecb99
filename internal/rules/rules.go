// Package rules implements the ABP-style host rule engine: does a
// given hostname need proxying, based on ordered rule files, user
// overrides, and a process-local learned set.
package rules

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"strings"
	"unicode/utf8"
)

// Decision is the tri-valued outcome of a rule lookup.
type Decision int

const (
	Unknown Decision = iota
	Proxy
	Direct
)

func (d Decision) String() string {
	switch d {
	case Proxy:
		return "proxy"
	case Direct:
		return "direct"
	default:
		return "unknown"
	}
}

// ruleKind distinguishes the three ABP-subset rule forms; the `@@`
// exception prefix is carried separately in rule.exception.
type ruleKind int

const (
	kindDomainAnchor ruleKind = iota // ||suffix
	kindDotSuffix                    // .suffix
	kindLiteral                      // prefix
)

type rule struct {
	kind      ruleKind
	pattern   string
	exception bool
}

// file is one loaded, parsed rule file: a name (for logging) plus its
// ordered rules, each tagged as exception or not.
type file struct {
	name  string
	rules []rule
	trie  *suffixTrie // index over domain-anchor/dot-suffix rules only
}

// RuleSet is an immutable ordered sequence of rule files — user
// overrides first, then whitelist, then GFW/proxy list — plus the
// process-local learned set L.
type RuleSet struct {
	overrides      []*file // user rule files, in configured order
	whitelist      *file   // direct-biased
	gfwlist        *file   // proxy-biased
	learned        *LearnedSet
	directNetworks []*net.IPNet
}

// Option configures optional RuleSet behavior at load time.
type Option func(*RuleSet)

// WithDirectNetworks supplements the literal-IP fast path: an IPv4/IPv6
// literal inside one of these networks is always treated as Direct,
// independent of any rule file. Off by default; fed from the
// `direct_networks` config key. Grounded on original_source's bundled
// cn-ip.txt network allowlist, which the distilled spec dropped.
func WithDirectNetworks(networks []*net.IPNet) Option {
	return func(rs *RuleSet) { rs.directNetworks = networks }
}

// Load builds a RuleSet from the given file paths. whitelistPath and
// gfwPath may be empty to omit that file. overridePaths are consulted
// first, in the order given.
func Load(overridePaths []string, whitelistPath, gfwPath string, opts ...Option) (*RuleSet, error) {
	rs := &RuleSet{learned: NewLearnedSet()}
	for _, opt := range opts {
		opt(rs)
	}

	for _, p := range overridePaths {
		f, err := loadFile(p)
		if err != nil {
			return nil, fmt.Errorf("loading rule override %s: %w", p, err)
		}
		rs.overrides = append(rs.overrides, f)
	}

	if whitelistPath != "" {
		f, err := loadFile(whitelistPath)
		if err != nil {
			return nil, fmt.Errorf("loading whitelist %s: %w", whitelistPath, err)
		}
		rs.whitelist = f
	}

	if gfwPath != "" {
		f, err := loadFile(gfwPath)
		if err != nil {
			return nil, fmt.Errorf("loading gfwlist %s: %w", gfwPath, err)
		}
		rs.gfwlist = f
	}

	return rs, nil
}

// Learned exposes the learned set so callers (the gateway's auto
// fallback) can record successful proxied dials.
func (rs *RuleSet) Learned() *LearnedSet {
	return rs.learned
}

// Judge answers need-proxy(host) per spec: an IP literal inside a
// configured direct network first, then the learned set, then user
// overrides, then whitelist, then GFW list, first concrete decision
// wins; Unknown if nothing matches.
func (rs *RuleSet) Judge(host string) Decision {
	host = strings.ToLower(host)

	if ip := net.ParseIP(host); ip != nil {
		for _, n := range rs.directNetworks {
			if n.Contains(ip) {
				return Direct
			}
		}
	}

	if rs.learned.Has(host) {
		return Proxy
	}

	for _, f := range rs.overrides {
		if d := f.judge(host); d != Unknown {
			return d
		}
	}
	if rs.whitelist != nil {
		if d := rs.whitelist.judge(host); d != Unknown {
			return d
		}
	}
	if rs.gfwlist != nil {
		if d := rs.gfwlist.judge(host); d != Unknown {
			return d
		}
	}
	return Unknown
}

// judge decides a single file: any matching exception rule decides
// Direct, wherever it appears in the file; otherwise the first matching
// non-exception rule decides Proxy.
func (f *file) judge(host string) Decision {
	for _, r := range f.rules {
		if r.exception && matchRule(r, host) {
			return Direct
		}
	}
	if f.trie != nil {
		if d, ok := f.trie.lookup(host); ok {
			return d
		}
	}
	for _, r := range f.rules {
		if matchRule(r, host) {
			if r.exception {
				return Direct
			}
			return Proxy
		}
	}
	return Unknown
}

func matchRule(r rule, host string) bool {
	switch r.kind {
	case kindDomainAnchor:
		return host == r.pattern || strings.HasSuffix(host, "."+r.pattern)
	case kindDotSuffix:
		// r.pattern already includes the leading dot.
		return strings.HasSuffix(host, r.pattern) || host == strings.TrimPrefix(r.pattern, ".")
	default: // kindLiteral
		return strings.HasPrefix(host, r.pattern)
	}
}

// loadFile reads, base64-auto-detects, and parses one rule file.
func loadFile(path string) (*file, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &file{name: path}, nil
		}
		return nil, err
	}

	if looksBase64Encoded(data) {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if err == nil {
			data = decoded
		}
		// If decoding fails, fall through and parse the raw bytes —
		// better to try a literal parse than to drop the file.
	}

	f := &file{name: path}
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if r, ok := parseLine(line); ok {
			f.rules = append(f.rules, r)
		}
	}
	f.trie = buildSuffixTrie(f.rules)
	return f, nil
}

// looksBase64Encoded decides whether data is a whole-file base64
// encoding of an ABP rule list rather than already-plain rule text.
// The common case is the leading "W50"/"WyF" (the base64 encoding of
// a leading "[!" comment marker used by many gfwlist distributions) or
// non-ASCII/non-printable bytes a plain rule file wouldn't contain,
// but a user-supplied override or whitelist file may be base64-encoded
// arbitrary rule text with neither tell — so fall back to a trial
// decode and check whether the result actually looks like rule text.
func looksBase64Encoded(data []byte) bool {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "W50") || strings.HasPrefix(trimmed, "WyF") {
		return true
	}
	for i := 0; i < len(data) && i < 256; i++ {
		b := data[i]
		if b >= 0x80 {
			return true
		}
	}
	return decodesToRuleText(trimmed)
}

// decodesToRuleText reports whether trimmed is valid base64 whose
// decoded content looks like an ABP rule file: valid UTF-8, with at
// least one line recognized as a comment or rule production. A bare
// literal-prefix line isn't enough signal on its own, since arbitrary
// decoded bytes could coincidentally parse as one.
func decodesToRuleText(trimmed string) bool {
	if trimmed == "" {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil || !utf8.Valid(decoded) {
		return false
	}
	for _, line := range strings.Split(string(decoded), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "!"),
			strings.HasPrefix(line, "||"),
			strings.HasPrefix(line, "."),
			strings.HasPrefix(line, "@@"):
			return true
		}
	}
	return false
}

// parseLine parses one ABP-subset rule line per spec §4.4:
//
//	! ...     comment, ignored
//	||suf     domain-anchor
//	.suf      dot-suffix
//	@@rule    exception wrapping any of the above
//	prefix    literal prefix
//	other     ignored
func parseLine(line string) (rule, bool) {
	if strings.HasPrefix(line, "!") {
		return rule{}, false
	}
	exception := false
	if strings.HasPrefix(line, "@@") {
		exception = true
		line = line[2:]
		if line == "" {
			return rule{}, false
		}
	}
	switch {
	case strings.HasPrefix(line, "||"):
		suf := line[2:]
		if suf == "" {
			return rule{}, false
		}
		return rule{kind: kindDomainAnchor, pattern: suf, exception: exception}, true
	case strings.HasPrefix(line, "."):
		return rule{kind: kindDotSuffix, pattern: line, exception: exception}, true
	default:
		return rule{kind: kindLiteral, pattern: line, exception: exception}, true
	}
}
