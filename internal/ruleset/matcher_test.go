package ruleset

import "testing"

func TestGlobMatcherStripsSchemeAndWildcards(t *testing.T) {
	m, err := NewGlobMatcher("http://x/hello")
	if err != nil {
		t.Fatal(err)
	}
	if !m.Match("x/hello") {
		t.Error("expected match on exact host+path")
	}
	if m.Match("x/goodbye") {
		t.Error("unexpected match")
	}
}

func TestGlobMatcherWildcard(t *testing.T) {
	m, err := NewGlobMatcher("*.example.com/api/*")
	if err != nil {
		t.Fatal(err)
	}
	if !m.Match("api.example.com/api/users") {
		t.Error("expected wildcard match")
	}
	if m.Match("example.org/api/users") {
		t.Error("unexpected match across domains")
	}
}

func TestRegexMatcherNoImplicitAnchor(t *testing.T) {
	m, err := NewMatcher("(api\\.example\\.com)")
	if err != nil {
		t.Fatal(err)
	}
	if !m.Match("sub.api.example.com/path") {
		t.Error("expected unanchored regex to match as substring")
	}
}

func TestMatcherFromParenthesizedPatternUsesRegex(t *testing.T) {
	m, err := NewMatcher("(^x/hello$)")
	if err != nil {
		t.Fatal(err)
	}
	if !m.Match("x/hello") {
		t.Error("expected anchored match")
	}
	if m.Match("x/hello/world") {
		t.Error("anchored pattern should not match a longer string")
	}
}

func TestHostAndPath(t *testing.T) {
	got := HostAndPath("x", "/hello?q=1")
	if got != "x/hello?q=1" {
		t.Errorf("got %q", got)
	}
}
