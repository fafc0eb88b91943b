package config

import (
	"log/slog"
	"os"
	"testing"
)

func TestDefaults(t *testing.T) {
	for _, env := range []string{
		"GOYATE_MODE", "GOYATE_HOST", "GOYATE_PORT", "GOYATE_SOCK_PATH", "GOYATE_LOG_LEVEL",
	} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}

	os.Args = []string{"goyate"}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Mode != defaultMode {
		t.Errorf("Mode = %q, want %q", cfg.Mode, defaultMode)
	}
	if cfg.Port != defaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, defaultPort)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
}

func TestEnvVarOverride(t *testing.T) {
	os.Args = []string{"goyate"}
	t.Setenv("GOYATE_MODE", "tcp")
	t.Setenv("GOYATE_PORT", "9090")
	t.Setenv("GOYATE_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Mode != "tcp" {
		t.Errorf("Mode = %q, want tcp", cfg.Mode)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	os.Args = []string{"goyate", "--port", "3000", "--log-level", "warn"}
	t.Setenv("GOYATE_PORT", "9090")
	t.Setenv("GOYATE_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 3000 {
		t.Errorf("Port = %d, want 3000 (CLI should override env)", cfg.Port)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestValidateInvalidMode(t *testing.T) {
	os.Args = []string{"goyate", "--mode", "carrier-pigeon"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid mode, got nil")
	}
}

func TestValidateTCPRequiresHost(t *testing.T) {
	os.Args = []string{"goyate", "--mode", "tcp", "--host", "", "--port", "5039"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error when tcp mode has empty host")
	}
}

func TestValidateUnixRequiresSockPath(t *testing.T) {
	os.Args = []string{"goyate", "--mode", "unix"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error when unix mode has no sock-path")
	}
}

func TestValidateInvalidLogLevel(t *testing.T) {
	os.Args = []string{"goyate", "--log-level", "verbose"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
