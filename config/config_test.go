package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefaultIsValid(t *testing.T) {
	if errs := Default().Validate(); len(errs) != 0 {
		t.Fatalf("default config invalid: %v", ValidationErrors(errs))
	}
}

func TestLoad_Defaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := Default()
	if cfg.Isolate != want.Isolate || cfg.VM != want.VM || cfg.Logging != want.Logging || cfg.Snapshot != want.Snapshot {
		t.Errorf("Load = %+v, want %+v", cfg, want)
	}
	if cfg.Run.Entrypoint != want.Run.Entrypoint || len(cfg.Kernel.Pieces) != 0 {
		t.Errorf("run = %+v, kernel = %+v", cfg.Run, cfg.Kernel)
	}
}

func TestNewViper_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "isolate.yaml")
	content := `
vm:
  memory_limit_pages: 32
isolate:
  log_tag: app
  strict_threading: true
kernel:
  pieces: [lib.wasm, main.wasm]
run:
  entrypoint: start
  args: [--verbose]
logging:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	v, err := NewViper(path)
	if err != nil {
		t.Fatalf("NewViper failed: %v", err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.VM.MemoryLimitPages != 32 {
		t.Errorf("memory_limit_pages = %d", cfg.VM.MemoryLimitPages)
	}
	if !reflect.DeepEqual(cfg.Kernel.Pieces, []string{"lib.wasm", "main.wasm"}) {
		t.Errorf("pieces = %v", cfg.Kernel.Pieces)
	}
	if cfg.Run.Entrypoint != "start" || !reflect.DeepEqual(cfg.Run.Args, []string{"--verbose"}) {
		t.Errorf("run = %+v", cfg.Run)
	}
	if cfg.Isolate.ShutdownTimeoutMs != 5000 {
		t.Errorf("unset keys should keep defaults, got %d", cfg.Isolate.ShutdownTimeoutMs)
	}

	s := cfg.Settings()
	if s.LogTag != "app" || !s.StrictThreading || s.MemoryLimitPages != 32 {
		t.Errorf("settings = %+v", s)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("settings invalid: %v", err)
	}
}

func TestNewViper_MissingFile(t *testing.T) {
	if _, err := NewViper(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("explicit missing config file should fail")
	}
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	chdir(t, t.TempDir())
	if _, err := NewViper(""); err != nil {
		t.Fatalf("searching without a config file should succeed: %v", err)
	}
}

func TestNewViper_Env(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	chdir(t, t.TempDir())
	t.Setenv("ISOLATE_VM_PRECOMPILED", "true")
	t.Setenv("ISOLATE_SNAPSHOT_INSTRUCTIONS", "app.aot")
	t.Setenv("ISOLATE_VM_MEMORY_LIMIT_PAGES", "16")

	v, err := NewViper("")
	if err != nil {
		t.Fatalf("NewViper failed: %v", err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	vc := cfg.VMConfig()
	if !vc.Precompiled || vc.MemoryLimitPages != 16 {
		t.Errorf("vm config = %+v", vc)
	}
	if cfg.Snapshot.Instructions != "app.aot" {
		t.Errorf("instructions = %q", cfg.Snapshot.Instructions)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"memory", func(c *Config) { c.VM.MemoryLimitPages = 70000 }, "vm.memory_limit_pages"},
		{"log tag", func(c *Config) { c.Isolate.LogTag = "a b" }, "isolate.log_tag"},
		{"timeout", func(c *Config) { c.Isolate.ShutdownTimeoutMs = -1 }, "isolate.shutdown_timeout_ms"},
		{"kernels when precompiled", func(c *Config) {
			c.VM.Precompiled = true
			c.Kernel.Pieces = []string{"main.wasm"}
		}, "kernel.pieces"},
		{"instructions when jit", func(c *Config) { c.Snapshot.Instructions = "app.aot" }, "snapshot.instructions"},
		{"entrypoint", func(c *Config) { c.Run.Entrypoint = "" }, "run.entrypoint"},
		{"level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			errs := cfg.Validate()
			if len(errs) != 1 || errs[0].Field != tc.field {
				t.Fatalf("errors = %v, want one for %s", errs, tc.field)
			}
		})
	}
}

func TestValidationErrors(t *testing.T) {
	var none ValidationErrors
	if none.Error() != "" {
		t.Error("empty errors should have empty message")
	}
	one := ValidationErrors{{Field: "a", Value: 1, Message: "bad"}}
	if one.Error() != "a: bad (got: 1)" {
		t.Errorf("got %q", one.Error())
	}
	two := append(one, ValidationError{Field: "b", Value: 2, Message: "worse"})
	if !strings.HasPrefix(two.Error(), "2 validation errors:") {
		t.Errorf("got %q", two.Error())
	}
}

func TestShutdownTimeout(t *testing.T) {
	c := IsolateConfig{ShutdownTimeoutMs: 250}
	if c.ShutdownTimeout() != 250*time.Millisecond {
		t.Errorf("got %v", c.ShutdownTimeout())
	}
}

func TestBuildLogger(t *testing.T) {
	for _, lc := range []LoggingConfig{
		{Level: "debug", Format: "json"},
		{Level: "warn", Format: "console", Development: true},
	} {
		l, err := lc.BuildLogger()
		if err != nil {
			t.Fatalf("BuildLogger(%+v) failed: %v", lc, err)
		}
		_ = l.Sync()
	}
	bad := LoggingConfig{Level: "loud", Format: "json"}
	if _, err := bad.BuildLogger(); err == nil {
		t.Fatal("invalid level should fail")
	}
}

// chdir changes the working directory for the duration of the test.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
