package main

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jingkaihe/capfs/internal/errx"
	"github.com/jingkaihe/capfs/pkg/vfs"
	"github.com/jingkaihe/capfs/pkg/vsock"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a guest path over a Unix socket",
	Long: `Serve a guest path over a Unix domain socket using the capfs wire
protocol (length-prefixed CBOR frames), and optionally on a vsock port for
VM guests. Read-only mounts stay read-only for every client.`,
	Example: `  capfs serve -v ./data:data:ro --socket /tmp/capfs.sock
  capfs serve --config capfs.yaml --guest-path /workspace/src
  capfs serve -v ./src:src --vsock-port 5000`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("socket", "capfs.sock", "Unix socket path")
	serveCmd.Flags().String("guest-path", "", "Guest path to serve (default: workspace)")
	serveCmd.Flags().Uint32("vsock-port", 0, "Also serve on this vsock port (Linux only)")

	viper.BindPFlag("serve.socket", serveCmd.Flags().Lookup("socket"))
	viper.BindPFlag("serve.guest-path", serveCmd.Flags().Lookup("guest-path"))
	viper.BindPFlag("serve.vsock-port", serveCmd.Flags().Lookup("vsock-port"))

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	guestPath := viper.GetString("serve.guest-path")
	if guestPath == "" {
		guestPath = rt.cfg.GetWorkspace()
	}
	root, err := rt.router.OpenDir(ctx, guestPath)
	if err != nil {
		return errx.With(ErrServe, " %s: %w", guestPath, err)
	}
	defer root.Close()

	server := vfs.NewVFSServer(root)
	socket := viper.GetString("serve.socket")
	stop, err := server.ServeUDSBackground(socket)
	if err != nil {
		return err
	}
	defer stop()

	if port := viper.GetUint32("serve.vsock-port"); port > 0 {
		l, err := vsock.Listen(port)
		if err != nil {
			return errx.Wrap(ErrServe, err)
		}
		defer l.Close()
		go func() {
			if err := server.Serve(l); err != nil && !errors.Is(err, vfs.ErrServerClosed) {
				vfs.Logger().Warn("vsock server stopped", zap.Error(err))
			}
		}()
		vfs.Logger().Info("serving on vsock", zap.Uint32("port", port))
	}

	vfs.Logger().Info("serving",
		zap.String("socket", socket),
		zap.String("guest_path", guestPath))
	cmd.Printf("Serving %s on %s\n", guestPath, socket)

	<-ctx.Done()
	return nil
}
