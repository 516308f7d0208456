package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range keys {
		env := env
		if value, ok := os.LookupEnv(env); ok {
			os.Unsetenv(env)
			t.Cleanup(func() { os.Setenv(env, value) })
		}
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFile("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !cfg.RunOnStartup {
		t.Error("RunOnStartup: got false, want true")
	}
	if cfg.SMTPPort != 2025 {
		t.Errorf("SMTPPort: got %d, want %d", cfg.SMTPPort, 2025)
	}
	if cfg.MaxMessageSize != 10485760 {
		t.Errorf("MaxMessageSize: got %d, want %d", cfg.MaxMessageSize, 10485760)
	}
	if cfg.SMTPUsername != "mailcatch" || cfg.SMTPPassword != "mailcatch" {
		t.Errorf("credentials: got %q/%q, want mailcatch/mailcatch", cfg.SMTPUsername, cfg.SMTPPassword)
	}
	if cfg.AllowExternal {
		t.Error("AllowExternal: got true, want false")
	}
	if cfg.MaxStoredMessages != 100 {
		t.Errorf("MaxStoredMessages: got %d, want %d", cfg.MaxStoredMessages, 100)
	}
	if cfg.ProbeTimeout != 5*time.Second {
		t.Errorf("ProbeTimeout: got %v, want %v", cfg.ProbeTimeout, 5*time.Second)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel: got %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.SMTPAddr() != ":2025" {
		t.Errorf("SMTPAddr: got %q, want %q", cfg.SMTPAddr(), ":2025")
	}
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SMTP_PORT", "2526")
	t.Setenv("SMTP_USERNAME", "user")
	t.Setenv("SMTP_PASSWORD", "pass")
	t.Setenv("SMTP_ALLOW_EXTERNAL", "true")
	t.Setenv("SMTP_MAX_MESSAGE_SIZE", "1024")
	t.Setenv("MAX_STORED_MESSAGES", "2")
	t.Setenv("SHOW_NEW_MESSAGE_NOTIFICATION", "false")
	t.Setenv("PROBE_TIMEOUT", "250ms")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadFile("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.SMTPPort != 2526 {
		t.Errorf("SMTPPort: got %d, want %d", cfg.SMTPPort, 2526)
	}
	if cfg.SMTPUsername != "user" || cfg.SMTPPassword != "pass" {
		t.Errorf("credentials: got %q/%q, want user/pass", cfg.SMTPUsername, cfg.SMTPPassword)
	}
	if !cfg.AllowExternal {
		t.Error("AllowExternal: got false, want true")
	}
	if cfg.MaxMessageSize != 1024 {
		t.Errorf("MaxMessageSize: got %d, want %d", cfg.MaxMessageSize, 1024)
	}
	if cfg.MaxStoredMessages != 2 {
		t.Errorf("MaxStoredMessages: got %d, want %d", cfg.MaxStoredMessages, 2)
	}
	if cfg.ShowNotifications {
		t.Error("ShowNotifications: got true, want false")
	}
	if cfg.ProbeTimeout != 250*time.Millisecond {
		t.Errorf("ProbeTimeout: got %v, want %v", cfg.ProbeTimeout, 250*time.Millisecond)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel: got %q, want %q", cfg.LogLevel, "debug")
	}
}

func TestLoadFile_YAMLWithEnvPrecedence(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "mailcatch.yaml")
	content := []byte(`
smtp:
  port: 3535
  username: fromfile
storage:
  max_stored_messages: 7
  dir: /tmp/mailcatch
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SMTP_USERNAME", "fromenv")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SMTPPort != 3535 {
		t.Errorf("SMTPPort: got %d, want %d", cfg.SMTPPort, 3535)
	}
	if cfg.SMTPUsername != "fromenv" {
		t.Errorf("SMTPUsername: got %q, want %q", cfg.SMTPUsername, "fromenv")
	}
	if cfg.MaxStoredMessages != 7 {
		t.Errorf("MaxStoredMessages: got %d, want %d", cfg.MaxStoredMessages, 7)
	}
	if cfg.StorageDir != "/tmp/mailcatch" {
		t.Errorf("StorageDir: got %q, want %q", cfg.StorageDir, "/tmp/mailcatch")
	}
}

func TestLoadFile_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SMTPPort != 2025 {
		t.Errorf("SMTPPort: got %d, want %d", cfg.SMTPPort, 2025)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := Config{SMTPPort: 2025, HTTPPort: 3025, MaxMessageSize: 1, MaxStoredMessages: 1, StorageDir: "data", ProbeAttempts: 1}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "zero smtp port", mutate: func(c *Config) { c.SMTPPort = 0 }, wantErr: true},
		{name: "negative size", mutate: func(c *Config) { c.MaxMessageSize = -1 }, wantErr: true},
		{name: "zero retention", mutate: func(c *Config) { c.MaxStoredMessages = 0 }, wantErr: true},
		{name: "no storage dir", mutate: func(c *Config) { c.StorageDir = "" }, wantErr: true},
		{name: "no probe attempts", mutate: func(c *Config) { c.ProbeAttempts = 0 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
