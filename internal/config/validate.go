package config

import (
	"errors"
	"fmt"
)

// ConfigurationError reports an option that makes the run impossible.
// It is always raised before any request is issued.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// IsConfigurationError reports whether err is a ConfigurationError
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

func invalid(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the options shared by every role that drives traffic
func (c *RunConfig) Validate() error {
	switch c.Server {
	case ServerVLLM:
		if c.Model == "" {
			return invalid("hf_model", "required by the vLLM server (set --hf-model or MODEL_PATH)")
		}
		if c.API != APICompletions && c.API != APIChat {
			return invalid("api", "must be %q or %q, got %q", APICompletions, APIChat, c.API)
		}
	case ServerTriton:
		if c.API == APIChat {
			return invalid("api", "the chat API is only served by vLLM")
		}
	default:
		return invalid("server", "must be %q or %q, got %q", ServerVLLM, ServerTriton, c.Server)
	}

	if c.Host == "" {
		return invalid("host", "is required")
	}
	if c.Endpoint == "" {
		return invalid("endpoint", "is required")
	}
	if c.InputFile == "" {
		return invalid("ifile", "is required")
	}
	// TPOT divides by olen-1
	if c.OutputLen <= 1 {
		return invalid("olen", "must be greater than 1, got %d", c.OutputLen)
	}
	if c.Users < 1 {
		return invalid("users", "must be at least 1, got %d", c.Users)
	}
	if !(c.SpawnRate > 0) {
		return invalid("spawn_rate", "must be positive, got %g", c.SpawnRate)
	}
	if c.Duration <= 0 {
		return invalid("duration", "must be positive, got %s", c.Duration)
	}
	if c.Workers < 1 {
		return invalid("workers", "must be at least 1, got %d", c.Workers)
	}
	if c.Pacing < 0 {
		return invalid("pacing", "must not be negative, got %s", c.Pacing)
	}
	if c.RandomInput && c.PoolSize < 1 {
		return invalid("pool_size", "must be at least 1 in random input mode, got %d", c.PoolSize)
	}
	return nil
}

// ValidateReporting checks the options the coordinator needs to persist results
func (c *RunConfig) ValidateReporting() error {
	if c.Target == "" {
		return invalid("target", "is required to key the result store entry")
	}
	if c.OutJSON == "" {
		return invalid("out_json", "is required")
	}
	switch c.Server {
	case ServerVLLM, ServerTriton:
	default:
		return invalid("server", "must be %q or %q, got %q", ServerVLLM, ServerTriton, c.Server)
	}
	return nil
}

// Validate checks the whole configuration for a local run
func (c *Config) Validate() error {
	if err := c.Run.Validate(); err != nil {
		return err
	}
	return c.Run.ValidateReporting()
}
