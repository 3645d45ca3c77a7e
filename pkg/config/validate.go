package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/kohakuhub/kohakuhub/pkg/hub/store"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration for errors.
//
// Struct tags cover enum and range checks; cross-field rules that tags
// cannot express are checked explicitly below.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			e := errs[0]
			return fmt.Errorf("invalid value for %s: %q does not satisfy %q", e.Namespace(), fmt.Sprint(e.Value()), e.Tag())
		}
		return err
	}

	if err := cfg.Database.Config.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	// Token encryption requires a well-formed 32-byte hex key.
	if cfg.Database.Key != "" {
		raw, err := hex.DecodeString(cfg.Database.Key)
		if err != nil {
			return fmt.Errorf("database.key must be hex-encoded: %w", err)
		}
		if len(raw) != 32 {
			return fmt.Errorf("database.key must decode to 32 bytes, got %d", len(raw))
		}
	}

	// Multiple workers share commit locks through postgres advisory locks;
	// sqlite offers no cross-process coordination.
	if cfg.Workers > 1 && cfg.Database.Backend != store.BackendPostgres {
		return fmt.Errorf("workers=%d requires the postgres backend, got %q", cfg.Workers, cfg.Database.Backend)
	}

	if err := cfg.S3.Validate(); err != nil {
		return fmt.Errorf("s3: %w", err)
	}
	if err := cfg.LakeFS.Validate(); err != nil {
		return fmt.Errorf("lakefs: %w", err)
	}

	if cfg.Admin.Enabled && cfg.Admin.SecretToken == "" {
		return fmt.Errorf("admin.secret_token is required when the admin API is enabled")
	}

	if cfg.Fallback.Enabled && cfg.Fallback.Sources != "" {
		if err := validateFallbackSources(cfg.Fallback.Sources); err != nil {
			return fmt.Errorf("fallback.sources: %w", err)
		}
	}

	return nil
}

// FallbackSourceSpec is one entry of the FALLBACK_SOURCES JSON list.
type FallbackSourceSpec struct {
	Name       string `json:"name" validate:"required"`
	URL        string `json:"url" validate:"required,url"`
	SourceType string `json:"source_type" validate:"omitempty,oneof=huggingface kohakuhub generic"`
	Priority   int    `json:"priority"`
	Namespace  string `json:"namespace"`
	Token      string `json:"token"`
}

// ParseFallbackSources decodes the FALLBACK_SOURCES JSON list.
func ParseFallbackSources(raw string) ([]FallbackSourceSpec, error) {
	if raw == "" {
		return nil, nil
	}
	var specs []FallbackSourceSpec
	if err := json.Unmarshal([]byte(raw), &specs); err != nil {
		return nil, fmt.Errorf("failed to parse fallback sources JSON: %w", err)
	}
	for i := range specs {
		if specs[i].SourceType == "" {
			specs[i].SourceType = "huggingface"
		}
	}
	return specs, nil
}

func validateFallbackSources(raw string) error {
	specs, err := ParseFallbackSources(raw)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		if err := validate.Struct(spec); err != nil {
			return fmt.Errorf("source %q: %w", spec.Name, err)
		}
	}
	return nil
}
