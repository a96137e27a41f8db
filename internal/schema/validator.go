package schema

import (
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

// actionPattern defines the valid format for action_type strings.
// Actions must be lowercase, start with a letter, and use dots or
// underscores as separators. Examples: "quest.completed", "token_swap".
var actionPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)*$`)

// Validator checks events against the canonical schema before they enter
// the buffer. meta_data is never validated beyond being a map: unknown
// keys are preserved opaquely.
type Validator struct {
	validate  *validator.Validate
	maxFuture time.Duration
}

// ValidatorConfig holds configuration for the validator.
type ValidatorConfig struct {
	// MaxFuture is the clock-skew tolerance for event timestamps.
	MaxFuture time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxFuture: 5 * time.Minute,
	}
}

// NewValidator creates a new Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a new Validator with the specified configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	v := validator.New()

	v.RegisterValidation("action_format", func(fl validator.FieldLevel) bool {
		return actionPattern.MatchString(fl.Field().String())
	})

	return &Validator{
		validate:  v,
		maxFuture: cfg.MaxFuture,
	}
}

// Validate validates an event. Returns an error if the event is malformed
// or its timestamp is in the future beyond the configured skew tolerance.
func (v *Validator) Validate(event *Event) error {
	if err := v.validate.Struct(event); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	if event.OccurredAt.IsZero() {
		return fmt.Errorf("occurred_at is required")
	}

	now := time.Now().UTC()
	if event.OccurredAt.After(now.Add(v.maxFuture)) {
		return fmt.Errorf("occurred_at in future: %v (max skew: %v)", event.OccurredAt, v.maxFuture)
	}

	return nil
}

// ValidateActionType checks if an action string matches the required format.
func ValidateActionType(action string) bool {
	return actionPattern.MatchString(action)
}
