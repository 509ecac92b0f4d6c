package main

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/capfs/pkg/fusefs"
	"github.com/jingkaihe/capfs/pkg/vfs"
)

var mountCmd = &cobra.Command{
	Use:   "mount <mountpoint>",
	Short: "Mount a guest path on the host with FUSE",
	Example: `  capfs mount -v /srv/dataset:data:ro --guest-path /workspace/data /mnt/data
  capfs mount --readonly --config capfs.yaml /mnt/workspace`,
	Args: cobra.ExactArgs(1),
	RunE: runMount,
}

func init() {
	mountCmd.Flags().String("guest-path", "", "Guest path to mount (default: workspace)")
	mountCmd.Flags().Bool("readonly", false, "Mount read-only regardless of mount configuration")
	mountCmd.Flags().Bool("allow-other", false, "Allow other users to access the mount")
	mountCmd.Flags().Bool("fuse-debug", false, "Log every FUSE request")
	mountCmd.Flags().Duration("cache-timeout", 0, "Kernel attribute and entry cache timeout")

	viper.BindPFlag("mount.guest-path", mountCmd.Flags().Lookup("guest-path"))
	viper.BindPFlag("mount.readonly", mountCmd.Flags().Lookup("readonly"))
	viper.BindPFlag("mount.allow-other", mountCmd.Flags().Lookup("allow-other"))
	viper.BindPFlag("mount.fuse-debug", mountCmd.Flags().Lookup("fuse-debug"))
	viper.BindPFlag("mount.cache-timeout", mountCmd.Flags().Lookup("cache-timeout"))

	rootCmd.AddCommand(mountCmd)
}

func runMount(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	guestPath := viper.GetString("mount.guest-path")
	if guestPath == "" {
		guestPath = rt.cfg.GetWorkspace()
	}
	root, err := rt.router.OpenDir(ctx, guestPath)
	if err != nil {
		return err
	}
	defer root.Close()
	if viper.GetBool("mount.readonly") {
		root = vfs.NewReadonlyDir(root)
	}

	server, err := fusefs.Mount(args[0], root, fusefs.Options{
		AllowOther: viper.GetBool("mount.allow-other"),
		Debug:      viper.GetBool("mount.fuse-debug"),
		Timeout:    viper.GetDuration("mount.cache-timeout"),
	})
	if err != nil {
		return err
	}
	cmd.Printf("Mounted %s at %s\n", guestPath, args[0])

	unmounted := make(chan struct{})
	go func() {
		server.Wait()
		close(unmounted)
	}()

	select {
	case <-ctx.Done():
		if err := server.Unmount(); err != nil {
			return err
		}
		select {
		case <-unmounted:
		case <-time.After(5 * time.Second):
		}
	case <-unmounted:
	}
	return nil
}
