package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate validates Config using struct tags and the cross-field rules
// below. Returns an error with actionable messages on failure.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateCAPairing(); err != nil {
		return err
	}
	if err := c.validateRulesParse(); err != nil {
		return err
	}
	return nil
}

// validateCAPairing requires both or neither of the CA cert/key files.
func (c *Config) validateCAPairing() error {
	hasCert := c.CA.CertFile != ""
	hasKey := c.CA.KeyFile != ""
	if hasCert != hasKey {
		return errors.New("ca: cert_file and key_file must both be set, or both left empty")
	}
	return nil
}

// validateRulesParse ensures every configured rule string compiles,
// surfacing a malformed rule at startup instead of at first request.
func (c *Config) validateRulesParse() error {
	for i, raw := range c.Rules {
		if err := validateRuleString(raw); err != nil {
			return fmt.Errorf("rules[%d] %q: %w", i, raw, err)
		}
	}
	return nil
}

// validateRuleString is overridden by the CLI's serve command (package
// cmd) via SetRuleStringValidator; by default it only checks the rule has at least
// a name and pattern, since compiling against the cache rule requires a
// cachestore.Store this package does not depend on.
var validateRuleString = func(raw string) error {
	parts := strings.SplitN(raw, "|", 2)
	if len(parts) < 2 || strings.TrimSpace(parts[0]) == "" || parts[1] == "" {
		return errors.New("want name|pattern[|args]")
	}
	return nil
}

// SetRuleStringValidator lets the CLI front-end (which knows about every
// rule kind, including "cache") install a stricter validator than the
// name|pattern shape check this package can do on its own.
func SetRuleStringValidator(fn func(string) error) {
	validateRuleString = fn
}

func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "file":
		return fmt.Sprintf("%s must reference an existing file", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
