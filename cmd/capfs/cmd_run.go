package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jingkaihe/capfs/internal/errx"
	"github.com/jingkaihe/capfs/pkg/api"
	"github.com/jingkaihe/capfs/pkg/vfs"
	"github.com/jingkaihe/capfs/pkg/wasmfs"
)

var runCmd = &cobra.Command{
	Use:   "run [flags] <module.wasm> [-- args...]",
	Short: "Run a WASI module against the configured mounts",
	Long: `Run a WASI (wasi_snapshot_preview1) command module. Every mount is
visible to the guest at its guest path; read-only mounts refuse writes with
EPERM. The guest exit code becomes the exit code of capfs.

Environment (-e, --env-file):
  NAME=VALUE     Inline value
  NAME           Copy $NAME from the host environment`,
	Example: `  capfs run -v ./in:in:ro -v ./out:out tool.wasm -- /workspace/in /workspace/out
  capfs run -e DEBUG=1 --args "-n 3 'two words'" tool.wasm`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringSliceP("env", "e", nil, "Guest environment variable (NAME=VALUE or NAME)")
	runCmd.Flags().StringSlice("env-file", nil, "Read guest environment variables from a file")
	runCmd.Flags().String("args", "", "Extra guest arguments as a single shell-quoted string")
	runCmd.Flags().Uint32("memory-pages", 0, "Guest memory limit in 64KiB pages (0: runtime default)")
	runCmd.Flags().Duration("timeout", 0, "Stop the guest after this long (0: no limit)")

	viper.BindPFlag("run.env", runCmd.Flags().Lookup("env"))
	viper.BindPFlag("run.env-file", runCmd.Flags().Lookup("env-file"))
	viper.BindPFlag("run.args", runCmd.Flags().Lookup("args"))
	viper.BindPFlag("run.memory-pages", runCmd.Flags().Lookup("memory-pages"))
	viper.BindPFlag("run.timeout", runCmd.Flags().Lookup("timeout"))

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	if timeout := viper.GetDuration("run.timeout"); timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	modulePath := args[0]
	wasm, err := os.ReadFile(modulePath)
	if err != nil {
		return errx.Wrap(ErrReadModule, err)
	}

	guestArgs, err := guestArgv(modulePath, viper.GetString("run.args"), args[1:])
	if err != nil {
		return err
	}
	env, err := api.ParseGuestEnv(viper.GetStringSlice("run.env"), viper.GetStringSlice("run.env-file"))
	if err != nil {
		return err
	}

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	runner := &wasmfs.Runner{
		Router:           rt.router,
		Stdin:            cmd.InOrStdin(),
		Stdout:           cmd.OutOrStdout(),
		Stderr:           cmd.ErrOrStderr(),
		Env:              env,
		MemoryLimitPages: viper.GetUint32("run.memory-pages"),
	}
	vfs.Logger().Debug("running guest",
		zap.String("module", modulePath),
		zap.String("argv", api.ShellQuoteArgs(guestArgs)))

	code, err := runner.Run(ctx, wasm, guestArgs)
	if err != nil {
		return err
	}
	return commandExit(int(code))
}

// guestArgv builds argv for the guest: the module's base name, then the
// words of the --args string, then positional arguments.
func guestArgv(modulePath, extra string, positional []string) ([]string, error) {
	argv := []string{filepath.Base(modulePath)}
	if extra != "" {
		words, err := api.SplitArgs(extra)
		if err != nil {
			return nil, errx.Wrap(ErrInvalidArgs, err)
		}
		argv = append(argv, words...)
	}
	return append(argv, positional...), nil
}
