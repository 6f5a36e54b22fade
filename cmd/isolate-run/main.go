// Command isolate-run loads a snapshot and kernel into a root isolate and
// runs its entrypoint.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wippyai/isolate-runtime/config"
	"github.com/wippyai/isolate-runtime/isolate"
	"github.com/wippyai/isolate-runtime/taskrunner"
	"github.com/wippyai/isolate-runtime/vm"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "isolate-run [kernel.wasm...]",
		Short: "Run a WebAssembly program in a root isolate",
		Long: `isolate-run creates a root isolate from a snapshot, prepares it from
kernel pieces (or precompiled instructions) and runs its entrypoint.
Child isolates spawned by the program run until they finish.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.NewViper(cfgFile)
			if err != nil {
				return err
			}
			if err := bindFlags(cmd, v); err != nil {
				return err
			}
			if len(args) > 0 {
				v.Set("kernel.pieces", args)
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}

			log, err := cfg.Logging.BuildLogger()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			isolate.SetLogger(log.Named("isolate"))
			vm.SetLogger(log.Named("vm"))
			taskrunner.SetLogger(log.Named("taskrunner"))

			return run(cmd.Context(), afero.NewOsFs(), cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config file (default is $XDG_CONFIG_HOME/isolate-runtime/isolate.yaml)")
	flags.String("snapshot", "", "snapshot data mapping")
	flags.String("instructions", "", "snapshot instructions mapping (precompiled mode)")
	flags.String("shared", "", "shared snapshot data mapping")
	flags.String("service", "", "service isolate snapshot")
	flags.String("service-instructions", "", "service isolate instructions mapping (precompiled mode)")
	flags.Bool("precompiled", false, "run precompiled instructions instead of kernels")
	flags.Uint32("memory-pages", 0, "per-isolate memory limit in 64KB pages")
	flags.String("cache-dir", "", "directory for the compilation cache")
	flags.StringP("entrypoint", "e", "main", "entrypoint to run")
	flags.StringP("library", "l", "", "library holding the entrypoint (default: root library)")
	flags.StringSlice("arg", nil, "argument passed to the program (repeatable)")
	flags.Bool("strict-threading", false, "reject root isolate calls made off the UI runner")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	return cmd
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"snapshot":             "snapshot.data",
	"instructions":         "snapshot.instructions",
	"shared":               "snapshot.shared_data",
	"service":              "snapshot.service_data",
	"service-instructions": "snapshot.service_instructions",
	"precompiled":          "vm.precompiled",
	"memory-pages":         "vm.memory_limit_pages",
	"cache-dir":            "vm.cache_dir",
	"entrypoint":           "run.entrypoint",
	"library":              "run.library",
	"arg":                  "run.args",
	"strict-threading":     "isolate.strict_threading",
	"log-level":            "logging.level",
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}
	return nil
}
