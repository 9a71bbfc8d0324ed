package namespace

import (
	"context"
	"os"
	"slices"
	"strings"

	"github.com/containerd/log"
	"github.com/moby/nsnet/errdefs"
	"github.com/moby/sys/mount"
	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// IsolateMounts detaches the calling thread from its parent's mount
// namespace and makes "/" recursively private, so mounts performed from
// now on are invisible to the rest of the host. It must be called after
// Enter.
func (m *Manager) IsolateMounts() error {
	if err := unix.Unshare(unix.CLONE_NEWNS); err != nil {
		return &errdefs.NamespaceError{Op: "unshare mount namespace", Err: errdefs.FromErrno(err)}
	}
	if err := mount.MakeRPrivate("/"); err != nil {
		return &errdefs.NamespaceError{Op: "make / private", Err: errdefs.FromErrno(err)}
	}
	return nil
}

// RemountSys replaces the /sys mount with a sysfs reflecting the current
// network namespace, preserving the read-only flag of the original mount.
// A missing /sys mount is logged and otherwise ignored.
func (m *Manager) RemountSys(ctx context.Context, name string) error {
	mounts, err := threadMounts(mountinfo.SingleEntryFilter(m.sysPath))
	if err != nil {
		return &errdefs.NamespaceError{Op: "read mountinfo", Name: name, Err: errdefs.FromErrno(err)}
	}
	if len(mounts) == 0 {
		log.G(ctx).Warnf("%s is not mounted, not remounting sysfs for %s", m.sysPath, name)
		return nil
	}
	readOnly := slices.Contains(strings.Split(mounts[len(mounts)-1].Options, ","), "ro")

	if err := mount.Unmount(m.sysPath); err != nil {
		return &errdefs.NamespaceError{Op: "unmount " + m.sysPath, Name: name, Err: errdefs.FromErrno(err)}
	}
	var opts string
	if readOnly {
		opts = "ro"
	}
	if err := mount.Mount(name, m.sysPath, "sysfs", opts); err != nil {
		return &errdefs.NamespaceError{Op: "mount sysfs", Name: name, Err: errdefs.FromErrno(err)}
	}
	log.G(ctx).WithFields(log.Fields{"netns": name, "ro": readOnly}).Debug("remounted sysfs")
	return nil
}

// threadMounts returns the mounts of the calling thread's mount namespace,
// which differs from the process's one after IsolateMounts.
func threadMounts(filter mountinfo.FilterFunc) ([]*mountinfo.Info, error) {
	f, err := os.Open("/proc/thread-self/mountinfo")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return mountinfo.GetMountsFromReader(f, filter)
}
