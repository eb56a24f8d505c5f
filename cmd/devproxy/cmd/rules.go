package cmd

import (
	"fmt"
	"strings"

	"github.com/devproxy/devproxy/internal/cachestore"
	"github.com/devproxy/devproxy/internal/ruleset"
)

// parseRuleLine compiles one "name|pattern|args" rule string into a
// ruleset.Rule, routing the "cache" name to cachestore.ParseRule (the only
// built-in handler ruleset.ParseRuleString doesn't know how to build,
// since it is stateful and lives in its own package to avoid a
// ruleset->cachestore import cycle).
func parseRuleLine(store *cachestore.Store, raw string) (ruleset.Rule, error) {
	parts := strings.SplitN(raw, "|", 3)
	if len(parts) < 2 {
		return ruleset.Rule{}, fmt.Errorf("malformed rule string %q: want name|pattern[|args]", raw)
	}
	name := strings.TrimSpace(parts[0])
	if name != "cache" {
		return ruleset.ParseRuleString(raw)
	}

	pattern := parts[1]
	var rawArgs string
	if len(parts) == 3 {
		rawArgs = parts[2]
	}

	matcher, err := ruleset.NewMatcher(pattern)
	if err != nil {
		return ruleset.Rule{}, fmt.Errorf("compiling pattern %q: %w", pattern, err)
	}
	cacheRule, err := cachestore.ParseRule(store, rawArgs)
	if err != nil {
		return ruleset.Rule{}, err
	}
	return ruleset.Rule{
		Name:    name,
		Matcher: matcher,
		Args:    cacheRule.Args,
		Handler: cacheRule,
	}, nil
}

// buildRules compiles every configured rule string, in order, against
// store.
func buildRules(store *cachestore.Store, raw []string) ([]ruleset.Rule, error) {
	rules := make([]ruleset.Rule, 0, len(raw))
	for i, r := range raw {
		rule, err := parseRuleLine(store, r)
		if err != nil {
			return nil, fmt.Errorf("rules[%d] %q: %w", i, r, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
