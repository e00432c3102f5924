package persistence

import (
	"regexp"
	"strings"
)

// SearchPattern matches stream names against a glob where '*' stands for any run of characters.
type SearchPattern struct {
	original string
	regexp   *regexp.Regexp
}

func Pattern(s string) SearchPattern {
	parts := strings.Split(s, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	return SearchPattern{
		original: s,
		regexp:   regexp.MustCompile("^" + strings.Join(parts, ".*") + "$"),
	}
}

func (p SearchPattern) Match(name string) bool {
	if p.regexp == nil {
		return name == p.original
	}
	return p.regexp.MatchString(name)
}

func (p SearchPattern) String() string {
	return p.original
}
