package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultPassesValidation(t *testing.T) {
	if err := validate(Default()); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	c := Default()
	c.Server.Port = 0
	if err := validate(c); err == nil {
		t.Fatal("expected validation error for invalid port")
	}
}

func TestValidateRequiresVaultAddress(t *testing.T) {
	c := Default()
	c.Secrets.Backend = "vault"
	if err := validate(c); err == nil {
		t.Fatal("expected validation error for vault backend without address")
	}
}

func TestExpandEnvVarsUsesDefaultWhenUnset(t *testing.T) {
	os.Unsetenv("EVENTBACKBONE_TEST_VAR")
	got := expandEnvVars("port: ${EVENTBACKBONE_TEST_VAR:-9090}")
	if got != "port: 9090" {
		t.Fatalf("expected default substitution, got %q", got)
	}
}

func TestExpandEnvVarsPrefersEnvironment(t *testing.T) {
	os.Setenv("EVENTBACKBONE_TEST_VAR", "live-value")
	defer os.Unsetenv("EVENTBACKBONE_TEST_VAR")
	got := expandEnvVars("name: ${EVENTBACKBONE_TEST_VAR}")
	if got != "name: live-value" {
		t.Fatalf("expected env value substitution, got %q", got)
	}
}

func TestLoadConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	original := Default()
	original.Server.Port = 9999
	if err := SaveConfig(original, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Server.Port != 9999 {
		t.Fatalf("expected port 9999 after round trip, got %d", loaded.Server.Port)
	}
}

func TestLoadConfigRejectsMissingFile(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
