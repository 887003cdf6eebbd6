package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers gateway-specific validation rules.
// Must be called before validating ServerConfig.
func RegisterCustomValidators(v *validator.Validate) error {
	// duration: a non-negative Go duration string such as "30s" or "1h"
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	return nil
}

func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d >= 0
}

// Validate validates the ServerConfig using struct tags and cross-field rules.
// Returns an error with actionable messages if validation fails.
func (c *ServerConfig) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if !c.Transport.Stdio && !c.Transport.HTTP && !c.Transport.SSE {
		return errors.New("transport: at least one of stdio, http or sse must be enabled")
	}

	if (c.Transport.HTTP || c.Transport.SSE) && c.Transport.MCPPath == c.Transport.SSEPath {
		return fmt.Errorf("transport: mcp_path and sse_path must differ (both %q)", c.Transport.MCPPath)
	}

	if c.UsesRedis() && c.Redis.Addr == "" {
		return errors.New("redis.addr is required when a store is redis")
	}

	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
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
	case "required_with":
		return fmt.Sprintf("%s is required when %s is set", field, e.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "startswith":
		return fmt.Sprintf("%s must start with %q", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "hostname|ip":
		return fmt.Sprintf("%s must be a hostname or IP address", field)
	case "duration":
		return fmt.Sprintf("%s must be a non-negative duration like \"30s\" or \"5m\"", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
