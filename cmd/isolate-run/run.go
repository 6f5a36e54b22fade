package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/wippyai/isolate-runtime/config"
	"github.com/wippyai/isolate-runtime/errors"
	"github.com/wippyai/isolate-runtime/isolate"
	"github.com/wippyai/isolate-runtime/snapshot"
	"github.com/wippyai/isolate-runtime/taskrunner"
	"github.com/wippyai/isolate-runtime/vm"
)

// program is everything read from disk before the VM starts.
type program struct {
	isolate *snapshot.Snapshot
	shared  *snapshot.Snapshot
	service *snapshot.Snapshot
	kernels [][]byte
}

func loadProgram(fs afero.Fs, cfg *config.Config) (*program, error) {
	p := &program{}
	var err error
	if p.isolate, err = snapshot.Load(fs, cfg.Snapshot.Data, cfg.Snapshot.Instructions); err != nil {
		return nil, err
	}
	if cfg.Snapshot.SharedData != "" {
		if p.shared, err = snapshot.Load(fs, cfg.Snapshot.SharedData, ""); err != nil {
			return nil, err
		}
	}
	if cfg.Snapshot.ServiceData != "" {
		if p.service, err = snapshot.Load(fs, cfg.Snapshot.ServiceData, cfg.Snapshot.ServiceInstructions); err != nil {
			return nil, err
		}
	}
	for _, path := range cfg.Kernel.Pieces {
		k, err := snapshot.ReadKernel(fs, path)
		if err != nil {
			return nil, err
		}
		p.kernels = append(p.kernels, k)
	}
	if !cfg.VM.Precompiled && len(p.kernels) == 0 {
		return nil, errors.InvalidInput(errors.PhaseConfig, "no kernel pieces given")
	}
	if cfg.VM.Precompiled && !p.isolate.IsPrecompiled() {
		return nil, errors.InvalidInput(errors.PhaseConfig, "precompiled mode needs snapshot instructions")
	}
	return p, nil
}

func newRunners() (taskrunner.Runners, func()) {
	platform := taskrunner.NewSerial("platform")
	ui := taskrunner.NewSerial("ui")
	raster := taskrunner.NewSerial("raster")
	ioRunner := taskrunner.NewSerial("io")
	stop := func() {
		for _, s := range []*taskrunner.Serial{ui, raster, ioRunner, platform} {
			s.Close()
		}
	}
	return taskrunner.Runners{
		Label:    "isolate-run",
		Platform: platform,
		UI:       ui,
		Raster:   raster,
		IO:       ioRunner,
	}, stop
}

// run executes the configured program in a root isolate and waits for
// every isolate it spawned.
func run(ctx context.Context, fs afero.Fs, cfg *config.Config, stdout, stderr io.Writer) error {
	prog, err := loadProgram(fs, cfg)
	if err != nil {
		return err
	}

	vmCfg := cfg.VMConfig()
	vmCfg.Stdout = stdout
	vmCfg.Stderr = stderr
	machine, err := vm.New(ctx, vmCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := machine.Close(context.WithoutCancel(ctx)); err != nil {
			isolate.Logger().Warn("vm close failed", zap.Error(err))
		}
	}()

	settings := cfg.Settings()
	var opts []isolate.BridgeOption
	if prog.service != nil {
		opts = append(opts, isolate.WithServiceIsolate(prog.service, settings))
	}
	bridge := isolate.NewBridge(machine, opts...)

	if prog.service != nil && !settings.DisableServiceIsolate {
		if _, err := machine.StartServiceIsolate(ctx); err != nil {
			isolate.Logger().Warn("service isolate not started", zap.Error(err))
		}
	}

	runners, stop := newRunners()
	defer stop()

	var runErr error
	err = taskrunner.RunSync(ctx, runners.UI, func() {
		runErr = startRoot(ctx, bridge, machine, runners, prog, cfg)
	})
	if err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}

	machine.Wait()
	return nil
}

// startRoot creates, prepares and runs the root isolate, then shuts it
// down. It must run on the UI runner.
func startRoot(ctx context.Context, bridge *isolate.Bridge, machine *vm.WazeroVM, runners taskrunner.Runners, prog *program, cfg *config.Config) error {
	ref, err := bridge.CreateRootIsolate(ctx, isolate.RootConfig{
		Settings:           cfg.Settings(),
		IsolateSnapshot:    prog.isolate,
		SharedSnapshot:     prog.shared,
		Runners:            runners,
		AdvisoryURI:        cfg.Run.URI,
		AdvisoryEntrypoint: cfg.Run.Entrypoint,
	})
	if err != nil {
		return err
	}
	root, ok := ref.Get()
	if !ok {
		return errors.NotFound(errors.PhaseCreate, "root isolate")
	}

	if machine.Precompiled() {
		err = root.PrepareForPrecompiledCode(ctx)
	} else {
		err = root.PrepareForKernels(ctx, prog.kernels)
	}
	if err != nil {
		_ = root.Shutdown(ctx)
		return err
	}

	isolate.Logger().Info("running root isolate",
		zap.String("service_id", root.ServiceID()),
		zap.String("library", cfg.Run.Library),
		zap.String("entrypoint", cfg.Run.Entrypoint))

	runErr := root.RunFromLibrary(ctx, cfg.Run.Library, cfg.Run.Entrypoint, cfg.Run.Args, nil)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Isolate.ShutdownTimeout())
	defer cancel()
	if err := root.Shutdown(shutdownCtx); err != nil {
		isolate.Logger().Warn("root isolate shutdown failed", zap.Error(err))
	}
	if runErr != nil {
		return fmt.Errorf("run %s: %w", cfg.Run.Entrypoint, runErr)
	}
	return nil
}
