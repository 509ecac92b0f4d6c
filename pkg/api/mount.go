package api

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/jingkaihe/capfs/internal/errx"
)

const (
	MountOptionReadonlyShort = "ro"
	MountOptionReadonly      = "readonly"
)

// VolumeMount is a parsed "host:guest[:ro]" spec.
type VolumeMount struct {
	HostPath  string
	GuestPath string
	Readonly  bool
}

// MountConfig returns the real_fs mount this volume describes.
func (v VolumeMount) MountConfig() MountConfig {
	return MountConfig{Type: MountTypeRealFS, HostPath: v.HostPath, Readonly: v.Readonly}
}

// ParseVolumeMount parses a volume mount string in format "host:guest" or "host:guest:ro".
// Guest paths are resolved within workspace; absolute guest paths must already be under workspace.
func ParseVolumeMount(vol string, workspace string) (VolumeMount, error) {
	parts := strings.Split(vol, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return VolumeMount{}, errx.With(ErrInvalidVolumeFormat, ": %q", vol)
	}

	hostPath := parts[0]
	guestPath := parts[1]

	if !filepath.IsAbs(hostPath) {
		abs, err := filepath.Abs(hostPath)
		if err != nil {
			return VolumeMount{}, errx.Wrap(ErrResolvePath, err)
		}
		hostPath = abs
	}

	if _, err := os.Stat(hostPath); err != nil {
		return VolumeMount{}, errx.With(ErrHostPathNotExist, ": %s", hostPath)
	}

	var readonly bool
	if len(parts) == 3 {
		switch parts[2] {
		case MountOptionReadonlyShort, MountOptionReadonly:
			readonly = true
		default:
			return VolumeMount{}, errx.With(ErrUnknownMountOption, " %q (use '%s' for readonly)", parts[2], MountOptionReadonlyShort)
		}
	}

	cleanWorkspace := filepath.Clean(workspace)

	// Relative guest paths hang off the workspace.
	if !filepath.IsAbs(guestPath) {
		guestPath = filepath.Join(cleanWorkspace, guestPath)
	} else {
		guestPath = filepath.Clean(guestPath)
	}

	if err := ValidateGuestPathWithinWorkspace(guestPath, cleanWorkspace); err != nil {
		return VolumeMount{}, err
	}

	return VolumeMount{HostPath: hostPath, GuestPath: guestPath, Readonly: readonly}, nil
}

// ParseVolumeMounts parses every spec and returns the mount table keyed by
// guest path. A later spec for the same guest path replaces an earlier one.
func ParseVolumeMounts(vols []string, workspace string) (map[string]MountConfig, error) {
	if len(vols) == 0 {
		return nil, nil
	}
	mounts := make(map[string]MountConfig, len(vols))
	for _, vol := range vols {
		v, err := ParseVolumeMount(vol, workspace)
		if err != nil {
			return nil, err
		}
		mounts[v.GuestPath] = v.MountConfig()
	}
	return mounts, nil
}

// ValidateGuestPathWithinWorkspace checks that guestPath is absolute and inside workspace.
func ValidateGuestPathWithinWorkspace(guestPath string, workspace string) error {
	cleanGuestPath := filepath.Clean(guestPath)
	cleanWorkspace := filepath.Clean(workspace)

	if !filepath.IsAbs(cleanGuestPath) {
		return errx.With(ErrGuestPathNotAbs, ": %q", guestPath)
	}
	if !isWithinWorkspace(cleanGuestPath, cleanWorkspace) {
		return errx.With(ErrGuestPathOutside, ": %q not under %q", cleanGuestPath, cleanWorkspace)
	}
	return nil
}

// ValidateVFSMountsWithinWorkspace checks that all VFS mount paths are valid
// guest paths under the configured workspace.
func ValidateVFSMountsWithinWorkspace(mounts map[string]MountConfig, workspace string) error {
	for guestPath := range mounts {
		if err := ValidateGuestPathWithinWorkspace(guestPath, workspace); err != nil {
			return err
		}
	}
	return nil
}

func isWithinWorkspace(path string, workspace string) bool {
	path = filepath.Clean(path)
	workspace = filepath.Clean(workspace)
	if workspace == "/" {
		return filepath.IsAbs(path)
	}
	return path == workspace || strings.HasPrefix(path, workspace+"/")
}
