package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseYAMLWithDefaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
logging:
  level: debug
bus:
  enabled: true
  addr: "10.0.0.5:6379"
paths:
  tasks_dir: ./mytasks
`)
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("level = %q", cfg.Logging.Level)
	}
	if !cfg.Bus.Enabled || cfg.Bus.Addr != "10.0.0.5:6379" {
		t.Fatalf("bus = %+v", cfg.Bus)
	}
	// Omitted sections keep their defaults.
	if cfg.Pool.Workers != 10 {
		t.Fatalf("pool.workers = %d, want default 10", cfg.Pool.Workers)
	}
	if cfg.Retry.MaxAttempts != 1 || cfg.Retry.Strategy != "fixed" {
		t.Fatalf("retry defaults = %+v", cfg.Retry)
	}
	if cfg.Paths.TasksDir != "./mytasks" {
		t.Fatalf("tasks_dir = %q", cfg.Paths.TasksDir)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "config.yaml", "loging:\n  level: info\n")
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestParseJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{"pool": {"workers": 3}}`)
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Pool.Workers != 3 {
		t.Fatalf("workers = %d", cfg.Pool.Workers)
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	path := writeConfig(t, "config.json", `{"pool": {"workers": 3}}{"extra": true}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TASKHIVE_BUS_ADDR", "env-host:6379")
	t.Setenv("TASKHIVE_LOG_LEVEL", "warn")

	path := writeConfig(t, "config.yaml", "bus:\n  addr: file-host:6379\n")
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Bus.Addr != "env-host:6379" {
		t.Fatalf("bus.addr = %q, want env override", cfg.Bus.Addr)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("logging.level = %q, want env override", cfg.Logging.Level)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults ok", func(c *Config) {}, false},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"negative workers", func(c *Config) { c.Pool.Workers = -1 }, true},
		{"bad strategy", func(c *Config) { c.Retry.Strategy = "bogus" }, true},
		{"bad duration", func(c *Config) { c.Retry.Interval = "5 parsecs" }, true},
		{"bad driver", func(c *Config) { c.Storage.Driver = "etcd" }, true},
		{"http enabled without addr", func(c *Config) { c.HTTP.Enabled = true; c.HTTP.Addr = " " }, true},
		{"missing tasks dir", func(c *Config) { c.Paths.TasksDir = "" }, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := Defaults()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tc.wantErr)
			}
		})
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()

	oldCfg := Defaults()
	newCfg := Defaults()
	newCfg.Bus.Addr = "other:6379"
	newCfg.Pool.Workers = 4

	changed, _ := SummarizeChange(&oldCfg, &newCfg)
	want := []string{"bus", "pool"}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v", changed)
	}
	for i := range want {
		if changed[i] != want[i] {
			t.Fatalf("changed = %v, want %v", changed, want)
		}
	}
}
