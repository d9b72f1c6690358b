// Package threat pattern-matches request payloads for injection attempts.
// The scanner walks decoded JSON bodies and query parameters, testing string
// leaves against ordered pattern families and object keys against a denylist
// of prototype-pollution and NoSQL-operator names. The first match wins and
// stops the walk.
package threat

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// Detection categories, in evaluation order.
const (
	CategoryXSS           = "script_injection"
	CategoryPathTraversal = "path_traversal"
	CategorySQLInjection  = "sql_injection"
	CategoryCmdInjection  = "command_injection"
	CategoryPollutedKey   = "polluted_key"
)

// maxSampleLen bounds what a detection carries into the audit log. The full
// payload is never logged.
const maxSampleLen = 120

// Detection is the scan outcome. A zero Detection means the payload is clean.
type Detection struct {
	Detected bool   `json:"detected"`
	Category string `json:"category,omitempty"`
	Path     string `json:"path,omitempty"`
	Sample   string `json:"sample,omitempty"`
}

type patternFamily struct {
	category string
	patterns []*regexp.Regexp
}

// Ordered pattern families. A plain URL in a string must not trip the XSS
// family, so markup patterns anchor on tags and event handlers rather than
// bare "http".
var families = []patternFamily{
	{
		category: CategoryXSS,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)<\s*script\b`),
			regexp.MustCompile(`(?i)<\s*/\s*script\s*>`),
			regexp.MustCompile(`(?i)javascript\s*:`),
			regexp.MustCompile(`(?i)\bon(load|error|click|mouseover|focus|submit)\s*=`),
			regexp.MustCompile(`(?i)<\s*(iframe|object|embed|svg|img)\b[^>]*\bon\w+\s*=`),
			regexp.MustCompile(`(?i)data:text/html`),
			regexp.MustCompile(`(?i)<\s*(iframe|object|embed)\b`),
		},
	},
	{
		category: CategoryPathTraversal,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\.\.[/\\]`),
			regexp.MustCompile(`(?i)%2e%2e(%2f|%5c|[/\\])`),
			regexp.MustCompile(`(?i)(^|[/\\])etc[/\\](passwd|shadow)\b`),
		},
	},
	{
		category: CategorySQLInjection,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bunion\b[\s\S]+\bselect\b`),
			regexp.MustCompile(`(?i)\bselect\b[\s\S]+\bfrom\b[\s\S]+\bwhere\b`),
			regexp.MustCompile(`(?i);\s*(drop|delete|truncate|alter)\s+(table|from|database)\b`),
			regexp.MustCompile(`(?i)['"]\s*(or|and)\s+['"]?\d+['"]?\s*=\s*['"]?\d`),
			regexp.MustCompile(`(?i)\b(sleep|benchmark|pg_sleep)\s*\(\s*\d`),
		},
	},
	{
		category: CategoryCmdInjection,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(;|\|\|?|&&)\s*(cat|ls|rm|nc|curl|wget|chmod|bash|sh|python)\b`),
			regexp.MustCompile(`\$\(\s*\w`),
			regexp.MustCompile("`\\s*(cat|ls|rm|nc|curl|wget|id|whoami)\\b"),
		},
	},
}

// Keys that rewrite object prototypes or smuggle NoSQL operators.
var pollutedKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// Scanner tests payloads against the pattern families. Exempt path prefixes
// are skipped by the pipeline; the appeal and block-status routes must stay
// reachable even when flagged content is being reported about.
type Scanner struct {
	exemptPrefixes []string
}

// NewScanner creates a scanner with the given exempt path prefixes.
func NewScanner(exemptPrefixes []string) *Scanner {
	return &Scanner{exemptPrefixes: exemptPrefixes}
}

// ExemptPath reports whether a request path is excluded from scanning.
func (s *Scanner) ExemptPath(path string) bool {
	for _, prefix := range s.exemptPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Scan walks a decoded JSON value (map[string]any, []any, string leaves)
// and returns the first detection, if any. Scanning is idempotent: the same
// payload always yields the same outcome.
func (s *Scanner) Scan(payload any) Detection {
	if d := walk(payload, "body"); d != nil {
		return *d
	}
	return Detection{}
}

// ScanValues tests query or form parameters, keys in sorted order.
func (s *Scanner) ScanValues(values url.Values) Detection {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if d := matchKey(key, "query."+key); d != nil {
			return *d
		}
		for _, v := range values[key] {
			if d := matchString(v, "query."+key); d != nil {
				return *d
			}
		}
	}
	return Detection{}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func walk(value any, path string) *Detection {
	switch v := value.(type) {
	case string:
		return matchString(v, path)
	case map[string]any:
		// Keys are visited in sorted order so a payload with several
		// offending members always reports the same one.
		for _, key := range sortedKeys(v) {
			childPath := path + "." + key
			if d := matchKey(key, childPath); d != nil {
				return d
			}
			if d := walk(v[key], childPath); d != nil {
				return d
			}
		}
	case []any:
		for i, child := range v {
			if d := walk(child, fmt.Sprintf("%s[%d]", path, i)); d != nil {
				return d
			}
		}
	}
	// Numbers, booleans and nulls cannot carry payloads.
	return nil
}

func matchString(value, path string) *Detection {
	for _, family := range families {
		for _, pattern := range family.patterns {
			if loc := pattern.FindStringIndex(value); loc != nil {
				return &Detection{
					Detected: true,
					Category: family.category,
					Path:     path,
					Sample:   truncateSample(value, loc[0]),
				}
			}
		}
	}
	return nil
}

func matchKey(key, path string) *Detection {
	if pollutedKeys[key] || strings.HasPrefix(key, "$") {
		return &Detection{
			Detected: true,
			Category: CategoryPollutedKey,
			Path:     path,
			Sample:   truncateSample(key, 0),
		}
	}
	return nil
}

// truncateSample extracts a bounded slice of the offending value around the
// match position.
func truncateSample(value string, matchStart int) string {
	start := matchStart - 20
	if start < 0 {
		start = 0
	}
	end := start + maxSampleLen
	if end > len(value) {
		end = len(value)
	}
	sample := value[start:end]
	if start > 0 {
		sample = "..." + sample
	}
	if end < len(value) {
		sample += "..."
	}
	return sample
}
