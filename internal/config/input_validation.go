package config

import (
	"fmt"
	"net"
	"strconv"
	"unicode"
)

const (
	// MaxPathLength is the maximum allowed length for configured paths
	MaxPathLength = 4096
)

// ValidateInputs performs additional validation on user-controllable strings:
// filesystem paths and the metrics listen address.
func (c *Config) ValidateInputs() error {
	paths := []struct {
		name  string
		value string
	}{
		{"session.output_dir", c.Session.OutputDir},
		{"session.resume_from", c.Session.ResumeFrom},
		{"checkpoint.dir", c.Checkpoint.Dir},
	}
	for _, p := range paths {
		if err := validatePath(p.value); err != nil {
			return fmt.Errorf("invalid %s: %w", p.name, err)
		}
	}

	if c.Metrics.Enabled {
		if err := validateListenAddr(c.Metrics.ListenAddr); err != nil {
			return fmt.Errorf("invalid metrics.listen_addr: %w", err)
		}
	}

	return nil
}

// validatePath checks a path for length and control characters
func validatePath(p string) error {
	if len(p) > MaxPathLength {
		return fmt.Errorf("exceeds maximum length of %d characters (got %d)", MaxPathLength, len(p))
	}
	if containsControlChars(p) {
		return fmt.Errorf("contains invalid control characters")
	}
	return nil
}

// validateListenAddr checks that addr is host:port with a valid port
func validateListenAddr(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("port must be between 0 and 65535 (got %s)", port)
	}
	return nil
}

// containsControlChars checks if a string contains control characters
func containsControlChars(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}
