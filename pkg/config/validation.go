package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/marmos91/dittousb/internal/telemetry"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("profile_type", func(fl validator.FieldLevel) bool {
			name := fl.Field().String()
			for _, known := range telemetry.ProfileTypeNames() {
				if name == known {
					return true
				}
			}
			return false
		})
	})
	return validate
}

// Validate checks the configuration against its struct tags and the rules
// that span more than one field.
func Validate(cfg *Config) error {
	if err := getValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return formatValidationErrors(verrs)
		}
		return err
	}

	if cfg.Metrics.Enabled && cfg.API.IsEnabled() && cfg.Metrics.Port == cfg.API.Port {
		return fmt.Errorf("metrics.port and api.port must differ (both %d)", cfg.API.Port)
	}
	if cfg.Server.MaxTransferSize.Uint64() > 1<<31-1 {
		return fmt.Errorf("server.max_transfer_size %s exceeds the 32-bit wire limit", cfg.Server.MaxTransferSize)
	}
	return nil
}

// formatValidationErrors renders each failed field as
// "Namespace: failed 'tag' (value)".
func formatValidationErrors(verrs validator.ValidationErrors) error {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("%s: failed '%s'", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("%s: failed '%s=%s'", fe.Namespace(), fe.Tag(), fe.Param())
		}
		if v := fmt.Sprint(fe.Value()); v != "" {
			msg += fmt.Sprintf(" (value %q)", v)
		}
		msgs = append(msgs, msg)
	}
	return errors.New(strings.Join(msgs, "; "))
}
