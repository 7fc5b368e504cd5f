// loader.go implements the configuration loading lifecycle for the Route Ready
// service.
//
// The loading sequence is:
//  1. Enforce UTC timezone to prevent drift bugs.
//  2. Load .env file via godotenv (non-fatal if absent).
//  3. Use envconfig to process struct tags and populate the Config struct.
//  4. Populate BuildInfo from linker-injected variables.
//  5. Validate the struct using go-playground/validator.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is a diagnostic error type returned by LoadConfig to aid debugging.
// It wraps a ConfigErrorType and an underlying error message.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// LoadConfig loads and validates the Route Ready configuration.
//
// It performs the following steps in order:
//  1. Sets the process timezone to UTC.
//  2. Loads a .env file if present (non-fatal if missing).
//  3. Processes envconfig tags to populate the Config struct.
//  4. Populates Config.Build from linker-injected variables.
//  5. Validates the Config struct.
func LoadConfig() (*Config, error) {
	// Step 1: Enforce UTC timezone to prevent drift bugs.
	time.Local = time.UTC

	// Step 2: Load .env file (non-fatal if absent).
	// godotenv.Load() silently succeeds if no .env file exists in the working
	// directory. It does NOT override existing environment variables.
	_ = godotenv.Load()

	// Step 3: Process envconfig tags to populate the Config struct.
	// The empty prefix "" means envconfig uses the exact tag values
	// (e.g., envconfig:"APP_ENV" reads APP_ENV directly).
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	// Step 4: Populate build metadata from linker-injected variables.
	cfg.Build = NewBuildInfo()

	// Step 5: Validate the populated struct.
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	return &cfg, nil
}
