// Package userns maps identities into a freshly unshared user namespace.
package userns

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/log"
	"github.com/moby/nsnet/errdefs"
	"github.com/moby/sys/user"
	"github.com/moby/sys/userns"
)

// DefaultProcDir is the proc directory of the calling process.
const DefaultProcDir = "/proc/self"

// Mapper writes the uid_map, gid_map and setgroups files of one process.
type Mapper struct {
	procDir string
}

// NewMapper returns a Mapper writing below procDir (e.g. "/proc/self" or
// "/proc/<pid>").
func NewMapper(procDir string) *Mapper {
	if procDir == "" {
		procDir = DefaultProcDir
	}
	return &Mapper{procDir: procDir}
}

// Format renders m as a single uid_map/gid_map line.
func Format(m user.IDMap) string {
	return fmt.Sprintf("%d %d %d", m.ID, m.ParentID, m.Count)
}

// InUserNamespace reports whether the calling process runs in a user
// namespace other than the initial one.
func InUserNamespace() bool {
	return userns.RunningInUserNS()
}

// MapIdentity maps targetUID inside the user namespace to realUID and
// realGID on the host, one id each, and denies setgroups(2). It must run
// after the process unshared its user namespace and before anything
// relies on the new identity. The maps can only be written once.
//
// A failure to deny setgroups is logged and tolerated, as older kernels
// lack the control.
func (m *Mapper) MapIdentity(ctx context.Context, realUID, realGID, targetUID int) error {
	log.G(ctx).Debugf("mapping uid %d and gid %d to %d", realUID, realGID, targetUID)

	uidMap := user.IDMap{ID: int64(targetUID), ParentID: int64(realUID), Count: 1}
	if err := m.write("uid_map", Format(uidMap)); err != nil {
		return &errdefs.NamespaceError{Op: "write uid_map", Err: err}
	}

	// Unprivileged writers must deny setgroups before writing gid_map.
	if err := m.write("setgroups", "deny"); err != nil {
		log.G(ctx).WithError(err).Warn("unable to deny setgroups")
	}

	gidMap := user.IDMap{ID: int64(targetUID), ParentID: int64(realGID), Count: 1}
	if err := m.write("gid_map", Format(gidMap)); err != nil {
		return &errdefs.NamespaceError{Op: "write gid_map", Err: err}
	}
	return nil
}

func (m *Mapper) write(file, content string) error {
	f, err := os.OpenFile(filepath.Join(m.procDir, file), os.O_WRONLY, 0)
	if err != nil {
		return errdefs.FromErrno(err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return errdefs.FromErrno(err)
	}
	return f.Close()
}
