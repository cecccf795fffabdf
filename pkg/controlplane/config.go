package controlplane

import (
	"fmt"
	"strings"
	"time"
)

// Config holds connection settings for one control-plane endpoint.
type Config struct {
	// Endpoint is the control-plane base URL.
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Token is the bearer token sent with every request.
	Token string `json:"token" yaml:"token"`

	// Timeout bounds each request. Zero means DefaultTimeout.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultTimeout is the per-request timeout when none is configured.
const DefaultTimeout = 30 * time.Second

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if !strings.HasPrefix(c.Endpoint, "http://") && !strings.HasPrefix(c.Endpoint, "https://") {
		return fmt.Errorf("endpoint must be an http(s) URL: %s", c.Endpoint)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	return nil
}
