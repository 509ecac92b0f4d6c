package main

import (
	"context"
	"encoding/json"
	"io"
	"path"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type statOutput struct {
	Path     string     `json:"path"`
	Type     string     `json:"type"`
	Size     uint64     `json:"size"`
	Inode    uint64     `json:"inode"`
	Device   uint64     `json:"device"`
	NLink    uint64     `json:"nlink"`
	Readonly bool       `json:"readonly"`
	Target   string     `json:"target,omitempty"`
	Atime    *time.Time `json:"atime,omitempty"`
	Mtime    *time.Time `json:"mtime,omitempty"`
	Ctime    *time.Time `json:"ctime,omitempty"`
}

var statCmd = &cobra.Command{
	Use:   "stat <guest-path>",
	Short: "Show file metadata as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runStat,
}

func init() {
	statCmd.Flags().Bool("no-dereference", false, "Describe a symlink itself instead of its target")
	viper.BindPFlag("stat.no-dereference", statCmd.Flags().Lookup("no-dereference"))

	rootCmd.AddCommand(statCmd)
}

func runStat(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	return statPath(cliSession(cmd.Context()), cmd.OutOrStdout(), rt, args[0], !viper.GetBool("stat.no-dereference"))
}

func statPath(ctx context.Context, w io.Writer, rt *fsRuntime, guestPath string, follow bool) error {
	m, _, err := rt.router.Resolve(guestPath)
	if err != nil {
		return err
	}
	dir, name, err := rt.openParent(ctx, guestPath)
	if err != nil {
		return err
	}
	defer dir.Close()

	st, err := dir.GetPathFilestat(ctx, name, follow)
	if err != nil {
		return err
	}
	out := statOutput{
		Path:     path.Clean("/" + guestPath),
		Type:     st.FileType.String(),
		Size:     st.Size,
		Inode:    st.Inode,
		Device:   st.Device,
		NLink:    st.NLink,
		Readonly: m.Readonly,
		Atime:    st.Atim,
		Mtime:    st.Mtim,
		Ctime:    st.Ctim,
	}
	if !follow {
		if target, err := dir.ReadLink(ctx, name); err == nil {
			out.Target = target
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
