package main

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/jingkaihe/capfs/internal/errx"
	"github.com/jingkaihe/capfs/pkg/vfs"
)

const catChunkSize = 64 * 1024

var catCmd = &cobra.Command{
	Use:   "cat <guest-path>...",
	Short: "Print file contents",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCat,
}

func init() {
	rootCmd.AddCommand(catCmd)
}

func runCat(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cliSession(cmd.Context())
	for _, p := range args {
		if err := catFile(ctx, cmd.OutOrStdout(), rt, p); err != nil {
			return err
		}
	}
	return nil
}

func catFile(ctx context.Context, w io.Writer, rt *fsRuntime, guestPath string) error {
	dir, name, err := rt.openParent(ctx, guestPath)
	if err != nil {
		return err
	}
	defer dir.Close()

	res, err := dir.OpenFile(ctx, name, vfs.OpenOptions{Read: true, FollowSymlinks: true})
	if err != nil {
		return err
	}
	defer res.Close()
	if res.IsDir() {
		return errx.With(ErrNotRegularFile, ": %s", guestPath)
	}

	buf := make([]byte, catChunkSize)
	for {
		n, err := res.File.ReadVectored(ctx, [][]byte{buf})
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return err
		}
	}
}
