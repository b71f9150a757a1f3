package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// Struct tags handle the declarative checks; cross-field rules that
// cannot be expressed in tags run afterwards.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	return validateCustomRules(cfg)
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if len(cfg.Connectors) == 0 {
		return fmt.Errorf("connectors: at least one connector must be configured")
	}

	names := make(map[string]bool)
	addresses := make(map[string]bool)
	for i, c := range cfg.Connectors {
		if names[c.Name] {
			return fmt.Errorf("connectors[%d]: duplicate connector name %q", i, c.Name)
		}
		names[c.Name] = true

		if addresses[c.Address] {
			return fmt.Errorf("connectors[%d]: duplicate listen address %q", i, c.Address)
		}
		addresses[c.Address] = true

		if c.AcceptBurst > 0 && c.AcceptRate == 0 {
			return fmt.Errorf("connectors[%d]: accept_burst requires accept_rate", i)
		}

		hosts := make(map[string]bool)
		for j, tls := range c.TLS {
			if hosts[tls.Hostname] {
				return fmt.Errorf("connectors[%d].tls[%d]: duplicate hostname %q", i, j, tls.Hostname)
			}
			hosts[tls.Hostname] = true
		}
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly
// messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
