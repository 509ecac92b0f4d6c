package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jingkaihe/capfs/pkg/vfs"
)

var rootCmd = &cobra.Command{
	Use:   "capfs",
	Short: "Capability filesystem with read-only mounts",
	Long: `capfs exposes directory capabilities at guest paths. Mounts can be
in-memory or backed by a host directory, and any mount can be read-only:
every mutation through it fails with EPERM and never reaches the backing
directory.

Volume Mounts (-v):
  Guest paths are relative to workspace (or use full workspace paths):
  ./mycode:code                    Mounts to <workspace>/code
  ./data:/workspace/data           Same as above (explicit)
  /host/path:subdir:ro             Read-only mount to <workspace>/subdir`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setupLogging,
}

func init() {
	cobra.OnInitialize(initViper)

	rootCmd.PersistentFlags().String("config", "", "Config file (.yaml, .yml or .json)")
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-development", false, "Human-readable development logging")
	rootCmd.PersistentFlags().String("workspace", "", "Guest workspace path (default: /workspace)")
	rootCmd.PersistentFlags().StringSliceP("volume", "v", nil, "Volume mount (host:guest or host:guest:ro)")
	rootCmd.PersistentFlags().String("audit-db", "", "Record filesystem events to this sqlite database")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log-development", rootCmd.PersistentFlags().Lookup("log-development"))
	viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	viper.BindPFlag("volume", rootCmd.PersistentFlags().Lookup("volume"))
	viper.BindPFlag("audit-db", rootCmd.PersistentFlags().Lookup("audit-db"))
}

func initViper() {
	viper.SetEnvPrefix("CAPFS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

func setupLogging(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(viper.GetString("log-level"), viper.GetBool("log-development"))
	if err != nil {
		return err
	}
	vfs.SetLogger(logger)
	return nil
}

func main() {
	err := rootCmd.Execute()
	vfs.Logger().Sync()

	var exitErr *exitCodeError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.ExitCode())
	}
	if err != nil {
		vfs.Logger().Debug("command failed", zap.Error(err))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
