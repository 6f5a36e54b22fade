package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wippyai/isolate-runtime/config"
	"github.com/wippyai/isolate-runtime/errors"
	"github.com/wippyai/isolate-runtime/internal/wasmtest"
	"github.com/wippyai/isolate-runtime/isolate"
)

func helloKernel(text string) []byte {
	m := wasmtest.New("app")
	write := m.ImportFdWrite()
	spawn := m.ImportSpawn()
	m.Func("main", nil, nil, m.Print(write, text), m.Spawn(spawn, "child"))
	m.Func("child", nil, nil, m.Print(write, "child\n"))
	m.Func("fail", nil, nil, wasmtest.Unreachable())
	return m.Bytes()
}

func coreModule() []byte {
	m := wasmtest.New("core")
	m.Func("version", nil, []wasmtest.ValType{wasmtest.I32}, wasmtest.I32Const(1))
	return m.Bytes()
}

func serviceModule() []byte {
	m := wasmtest.New("service")
	m.Func("main", nil, nil)
	return m.Bytes()
}

func testFS(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	files := map[string][]byte{
		"/app/core.snap":    coreModule(),
		"/app/service.snap": coreModule(),
		"/app/service.aot":  serviceModule(),
		"/app/main.wasm":    helloKernel("hello\n"),
		"/app/app.aot":      helloKernel("aot\n"),
		"/app/broken.wasm":  []byte("broken"),
	}
	for name, data := range files {
		if err := afero.WriteFile(fs, name, data, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return fs
}

func kernelConfig() *config.Config {
	cfg := config.Default()
	cfg.Snapshot.Data = "/app/core.snap"
	cfg.Kernel.Pieces = []string{"/app/main.wasm"}
	cfg.Run.URI = "main.wasm"
	return cfg
}

func TestRun_Kernel(t *testing.T) {
	var out, errOut bytes.Buffer
	if err := run(context.Background(), testFS(t), kernelConfig(), &out, &errOut); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := out.String(); !strings.Contains(got, "hello\n") || !strings.Contains(got, "child\n") {
		t.Errorf("stdout = %q", got)
	}
}

func TestRun_Precompiled(t *testing.T) {
	cfg := config.Default()
	cfg.VM.Precompiled = true
	cfg.Snapshot.Data = "/app/core.snap"
	cfg.Snapshot.Instructions = "/app/app.aot"

	var out bytes.Buffer
	if err := run(context.Background(), testFS(t), cfg, &out, &out); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(out.String(), "aot\n") {
		t.Errorf("stdout = %q", out.String())
	}
}

func TestRun_ServiceIsolate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"kernel", func(*config.Config) {}},
		{"precompiled", func(c *config.Config) {
			c.VM.Precompiled = true
			c.Snapshot.Instructions = "/app/app.aot"
			c.Kernel.Pieces = nil
		}},
		{"precompiled service code", func(c *config.Config) {
			c.VM.Precompiled = true
			c.Snapshot.Instructions = "/app/app.aot"
			c.Snapshot.ServiceInstructions = "/app/service.aot"
			c.Kernel.Pieces = nil
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			core, logs := observer.New(zap.DebugLevel)
			isolate.SetLogger(zap.New(core))
			defer isolate.SetLogger(zap.NewNop())

			cfg := kernelConfig()
			cfg.Snapshot.ServiceData = "/app/service.snap"
			tc.mutate(cfg)
			var out bytes.Buffer
			if err := run(context.Background(), testFS(t), cfg, &out, &out); err != nil {
				t.Fatalf("run failed: %v", err)
			}
			if n := logs.FilterMessage("service isolate not started").Len(); n != 0 {
				t.Fatalf("service isolate failed to start: %v", logs.FilterMessage("service isolate not started").All()[0].ContextMap())
			}
			if n := logs.FilterMessage("service isolate started").Len(); n != 1 {
				t.Errorf("service isolate started %d times", n)
			}
		})
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		kind   errors.Kind
	}{
		{"no kernels", func(c *config.Config) { c.Kernel.Pieces = nil }, errors.KindInvalidInput},
		{"missing kernel", func(c *config.Config) { c.Kernel.Pieces = []string{"/app/absent.wasm"} }, errors.KindNotFound},
		{"broken kernel", func(c *config.Config) { c.Kernel.Pieces = []string{"/app/broken.wasm"} }, errors.KindInvalidResource},
		{"missing snapshot", func(c *config.Config) { c.Snapshot.Data = "/app/absent.snap" }, errors.KindNotFound},
		{"unknown entrypoint", func(c *config.Config) { c.Run.Entrypoint = "absent" }, errors.KindEntrypointUnresolved},
		{"trapping entrypoint", func(c *config.Config) { c.Run.Entrypoint = "fail" }, errors.KindExecution},
		{"precompiled without instructions", func(c *config.Config) {
			c.VM.Precompiled = true
			c.Kernel.Pieces = nil
		}, errors.KindInvalidInput},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := kernelConfig()
			tc.mutate(cfg)
			var out bytes.Buffer
			err := run(context.Background(), testFS(t), cfg, &out, &out)
			if !errors.IsKind(err, tc.kind) {
				t.Fatalf("expected %s, got %v", tc.kind, err)
			}
		})
	}
}

func TestRootCmd_Flags(t *testing.T) {
	cmd := newRootCmd()
	for flag := range flagKeys {
		if cmd.Flags().Lookup(flag) == nil {
			t.Errorf("flag %q is not defined", flag)
		}
	}
}
