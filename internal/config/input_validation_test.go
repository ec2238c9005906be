package config

import (
	"strings"
	"testing"
)

func TestValidatePath(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string // substring of expected error, empty for valid
	}{
		{"relative", "output/run1", ""},
		{"empty", "", ""},
		{"too_long", strings.Repeat("a", MaxPathLength+1), "exceeds maximum length"},
		{"null_byte", "out\x00put", "invalid control characters"},
		{"newline", "out\nput", "invalid control characters"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePath(tt.input)
			if tt.want == "" {
				if err != nil {
					t.Errorf("validatePath(%q) returned unexpected error: %v", tt.input, err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("validatePath(%q) error = %v, want substring %q", tt.input, err, tt.want)
			}
		})
	}
}

func TestValidateListenAddr(t *testing.T) {
	valid := []string{"127.0.0.1:9464", ":9464", "localhost:0"}
	for _, addr := range valid {
		if err := validateListenAddr(addr); err != nil {
			t.Errorf("validateListenAddr(%q) returned unexpected error: %v", addr, err)
		}
	}

	invalid := []string{"9464", "localhost:http", "localhost:70000"}
	for _, addr := range invalid {
		if err := validateListenAddr(addr); err == nil {
			t.Errorf("validateListenAddr(%q) should fail", addr)
		}
	}
}

func TestValidateInputs(t *testing.T) {
	cfg := Default()
	cfg.Session.ResumeFrom = "bad\x01path"
	err := cfg.ValidateInputs()
	if err == nil || !strings.Contains(err.Error(), "session.resume_from") {
		t.Errorf("ValidateInputs() error = %v, want session.resume_from", err)
	}

	cfg = Default()
	cfg.Metrics.Enabled = true
	cfg.Metrics.ListenAddr = "nope"
	if err := cfg.ValidateInputs(); err == nil {
		t.Error("ValidateInputs() should reject a malformed listen address")
	}
}
