package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/capfs/pkg/vfs"
)

var lsCmd = &cobra.Command{
	Use:   "ls [guest-path]",
	Short: "List a directory",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLs,
}

func init() {
	lsCmd.Flags().BoolP("long", "l", false, "Show type, size and inode")
	viper.BindPFlag("ls.long", lsCmd.Flags().Lookup("long"))

	rootCmd.AddCommand(lsCmd)
}

func runLs(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	guestPath := rt.cfg.GetWorkspace()
	if len(args) == 1 {
		guestPath = args[0]
	}
	return listDir(cliSession(cmd.Context()), cmd.OutOrStdout(), rt, guestPath, viper.GetBool("ls.long"))
}

func listDir(ctx context.Context, w io.Writer, rt *fsRuntime, guestPath string, long bool) error {
	dir, err := rt.router.OpenDir(ctx, guestPath)
	if err != nil {
		return err
	}
	defer dir.Close()

	entries, err := dir.Readdir(ctx, 0)
	if err != nil {
		return err
	}

	if !long {
		for ent, err := range entries {
			if err != nil {
				return err
			}
			fmt.Fprintln(w, ent.Name)
		}
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tSIZE\tINODE\tNAME")
	for ent, err := range entries {
		if err != nil {
			return err
		}
		size := "-"
		if st, err := dir.GetPathFilestat(ctx, ent.Name, false); err == nil && st.FileType == vfs.FileTypeRegularFile {
			size = fmt.Sprintf("%d", st.Size)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", ent.FileType, size, ent.Inode, ent.Name)
	}
	return tw.Flush()
}
