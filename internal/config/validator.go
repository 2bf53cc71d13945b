package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// hh_mm validates "HH:MM" clock strings used by business-hours bounds.
	_ = v.RegisterValidation("hh_mm", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if s == "" {
			return true
		}
		_, err := time.Parse("15:04", s)
		return err == nil
	})
	return v
}

// Validate checks the configuration beyond what struct tags express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if ok := asValidationErrors(err, &verrs); ok {
			return fmt.Errorf("invalid configuration: %s", formatValidationErrors(verrs))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.Enrichment.BusinessHoursStart != "" {
		if _, err := time.Parse("15:04", cfg.Enrichment.BusinessHoursStart); err != nil {
			return fmt.Errorf("invalid configuration: enrichment.business_hours_start must be HH:MM")
		}
	}
	if cfg.Enrichment.BusinessHoursEnd != "" {
		if _, err := time.Parse("15:04", cfg.Enrichment.BusinessHoursEnd); err != nil {
			return fmt.Errorf("invalid configuration: enrichment.business_hours_end must be HH:MM")
		}
	}
	if cfg.Enrichment.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Enrichment.Timezone); err != nil {
			return fmt.Errorf("invalid configuration: enrichment.timezone %q is not a valid IANA zone", cfg.Enrichment.Timezone)
		}
	}

	if cfg.PolicyStore.Backend == "sqlite" && cfg.PolicyStore.Path == "" {
		return fmt.Errorf("invalid configuration: policy_store.path is required for the sqlite backend")
	}
	return nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = verrs
	}
	return ok
}

// formatValidationErrors produces one readable line per failed field.
func formatValidationErrors(verrs validator.ValidationErrors) string {
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		switch fe.Tag() {
		case "oneof":
			parts = append(parts, fmt.Sprintf("%s must be one of [%s]", field, fe.Param()))
		case "min":
			parts = append(parts, fmt.Sprintf("%s must be at least %s", field, fe.Param()))
		case "max":
			parts = append(parts, fmt.Sprintf("%s must be at most %s", field, fe.Param()))
		case "required":
			parts = append(parts, fmt.Sprintf("%s is required", field))
		case "url":
			parts = append(parts, fmt.Sprintf("%s must be a valid URL", field))
		case "hostname_port":
			parts = append(parts, fmt.Sprintf("%s must be host:port", field))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s validation", field, fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
