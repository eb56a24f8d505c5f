package ruleset

import (
	"regexp"
	"strings"
)

// Matcher tests a compiled pattern against the concatenation of a request's
// host and URL path+query, per spec.md §4.3. It is compiled once at
// rule-add time, never per request.
type Matcher struct {
	re *regexp.Regexp
}

// NewRegexMatcher compiles an already-regex pattern (written by the user as
// "(...)") directly. There is no implicit anchoring; pattern authors anchor
// with ^/$ themselves.
func NewRegexMatcher(pattern string) (*Matcher, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &Matcher{re: re}, nil
}

// NewGlobMatcher compiles a plain string pattern containing "*" wildcards.
// Per spec.md §4.3: strip a leading http:// or https://, split on "*",
// regex-escape each literal segment, and rejoin with ".*?".
func NewGlobMatcher(pattern string) (*Matcher, error) {
	pattern = strings.TrimPrefix(pattern, "https://")
	pattern = strings.TrimPrefix(pattern, "http://")

	segments := strings.Split(pattern, "*")
	for i, seg := range segments {
		segments[i] = regexp.QuoteMeta(seg)
	}
	joined := strings.Join(segments, ".*?")

	re, err := regexp.Compile(joined)
	if err != nil {
		return nil, err
	}
	return &Matcher{re: re}, nil
}

// NewMatcher compiles pattern, treating it as a regex if it is wrapped in
// parentheses (the CLI grammar's convention for "this is a regex"),
// otherwise as a glob-ish literal string.
func NewMatcher(pattern string) (*Matcher, error) {
	if strings.HasPrefix(pattern, "(") && strings.HasSuffix(pattern, ")") {
		return NewRegexMatcher(pattern[1 : len(pattern)-1])
	}
	return NewGlobMatcher(pattern)
}

// Match tests the matcher against host+path (the caller builds this from
// r.Host + r.URL.RequestURI()).
func (m *Matcher) Match(hostAndPath string) bool {
	return m.re.MatchString(hostAndPath)
}

// HostAndPath builds the string a Matcher is tested against from a host and
// a request URI (path plus query string).
func HostAndPath(host, requestURI string) string {
	return host + requestURI
}
