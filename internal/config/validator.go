package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers gatewarden-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	// journal_output: validates "stdout" or "file://<absolute-path>"
	if err := v.RegisterValidation("journal_output", validateJournalOutput); err != nil {
		return fmt.Errorf("failed to register journal_output validator: %w", err)
	}
	// duration: validates Go duration strings like "250ms", "10s", "5m"
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	return nil
}

// validateJournalOutput validates the journal output field.
// Valid values: "stdout" or "file://<absolute-path>"
func validateJournalOutput(fl validator.FieldLevel) bool {
	output := fl.Field().String()

	// "stdout" is always valid
	if output == "stdout" {
		return true
	}

	// "file://<path>" requires an absolute path
	if strings.HasPrefix(output, "file://") {
		path := strings.TrimPrefix(output, "file://")
		return path != "" && filepath.IsAbs(path)
	}

	return false
}

// validateDuration validates that a non-empty string parses as a Go duration.
func validateDuration(fl validator.FieldLevel) bool {
	_, err := time.ParseDuration(fl.Field().String())
	return err == nil
}

// Validate validates the Config using struct tags and custom cross-field rules.
// Returns an error if validation fails, with actionable error messages.
func (c *Config) Validate() error {
	// Create validator with required struct enabled
	v := validator.New(validator.WithRequiredStructEnabled())

	// Register custom validators
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	// Run struct validation (tags)
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	// Cross-field validation: signing secret outside dev mode
	if err := c.validateTokenSecret(); err != nil {
		return err
	}

	// Cross-field validation: TLS cert/key pairing
	if err := c.validateTLSPair(); err != nil {
		return err
	}

	// Cross-field validation: route reference integrity
	if err := c.validateRouteReferences(); err != nil {
		return err
	}

	// Cross-field validation: reputation endpoint when enabled
	if err := c.validateReputation(); err != nil {
		return err
	}

	return nil
}

// validateTokenSecret ensures a signing secret is configured outside dev mode.
// Public-only route tables still need one: the resolver rejects non-public
// traffic without it, and failing early beats an all-401 gateway.
func (c *Config) validateTokenSecret() error {
	if c.DevMode {
		return nil
	}
	if c.Token.Secret == "" {
		return errors.New("token.secret is required (or run with --dev)")
	}
	return nil
}

// validateTLSPair ensures the listener cert and key are set together.
func (c *Config) validateTLSPair() error {
	hasCert := c.Listener.TLS.CertFile != ""
	hasKey := c.Listener.TLS.KeyFile != ""

	if hasCert != hasKey {
		return errors.New("listener.tls: cert_file and key_file must be set together")
	}
	return nil
}

// validateRouteReferences ensures every route points at a declared upstream
// and, when named, a declared rate policy.
func (c *Config) validateRouteReferences() error {
	for i, route := range c.Routes {
		if _, exists := c.Upstreams[route.Upstream]; !exists {
			return fmt.Errorf("routes[%d] (%s): references unknown upstream: %s", i, route.Match, route.Upstream)
		}
		if route.RatePolicy != "" {
			if _, exists := c.RatePolicies[route.RatePolicy]; !exists {
				return fmt.Errorf("routes[%d] (%s): references unknown rate_policy: %s", i, route.Match, route.RatePolicy)
			}
		}
	}

	// Composite policies must name their members.
	for name, p := range c.RatePolicies {
		if p.Strategy == "composite" && len(p.Of) == 0 {
			return fmt.Errorf("rate_policies[%s]: composite strategy requires a non-empty 'of' list", name)
		}
	}
	return nil
}

// validateReputation ensures an endpoint is configured when the check is on.
func (c *Config) validateReputation() error {
	if c.IPReputation.Enabled && c.IPReputation.URL == "" {
		return errors.New("ip_reputation.url is required when ip_reputation.enabled is true")
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			msg := formatSingleValidationError(e)
			messages = append(messages, msg)
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "startswith":
		return fmt.Sprintf("%s must start with %q", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "duration":
		return fmt.Sprintf("%s must be a duration like \"250ms\" or \"10s\"", field)
	case "journal_output":
		return fmt.Sprintf("%s must be 'stdout' or 'file://<absolute-path>'", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
