// Package namespace manages named network namespaces.
//
// A named namespace is a network namespace kept alive by bind-mounting its
// nsfs inode onto a file below a well-known directory (/run/netns by
// default), the same layout iproute2 uses. Its lifetime is independent of
// any process: it is destroyed by unmounting and removing that file.
package namespace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/containerd/log"
	"github.com/moby/nsnet/errdefs"
	"github.com/moby/sys/capability"
	"github.com/moby/sys/mount"
	"github.com/moby/sys/mountinfo"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

// Namespace is a named network namespace visible on the host.
type Namespace struct {
	Name string
	Path string
}

// Manager creates, opens, enters and removes named network namespaces
// below a single directory.
type Manager struct {
	dir     string
	sysPath string
}

// NewManager returns a Manager for namespaces living in dir.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir, sysPath: "/sys"}
}

// Dir returns the directory holding the namespace files.
func (m *Manager) Dir() string {
	return m.dir
}

// Path returns the host path of the namespace called name.
func (m *Manager) Path(name string) string {
	return filepath.Join(m.dir, name)
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return errdefs.InvalidParameter(fmt.Errorf("invalid namespace name %q", name))
	}
	return nil
}

// Create creates a new network namespace called name. It fails with an
// [errdefs.ErrAlreadyExists] error if a namespace with that name exists.
// The loopback interface of the new namespace is brought up.
func (m *Manager) Create(ctx context.Context, name string) (*Namespace, error) {
	if err := validateName(name); err != nil {
		return nil, &errdefs.NamespaceError{Op: "create", Name: name, Err: err}
	}
	path := m.Path(name)
	if _, err := os.Lstat(path); err == nil {
		return nil, &errdefs.NamespaceError{Op: "create", Name: name, Err: errdefs.AlreadyExists(fmt.Errorf("%s already exists", path))}
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, &errdefs.NamespaceError{Op: "create", Name: name, Err: errdefs.FromErrno(err)}
	}
	f, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE|os.O_EXCL, 0o444)
	if err != nil {
		return nil, &errdefs.NamespaceError{Op: "create", Name: name, Err: errdefs.FromErrno(err)}
	}
	f.Close()

	// The new namespace is unshared on a dedicated thread which is never
	// unlocked: the Go runtime terminates it when the goroutine returns, so
	// no other goroutine is ever scheduled in the new namespace.
	errCh := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		errCh <- bindNewNetns(path)
	}()
	if err := <-errCh; err != nil {
		if err := mount.Unmount(path); err != nil && !errors.Is(err, unix.EINVAL) {
			log.G(ctx).WithError(err).Warnf("failed to unmount %s", path)
		}
		if err := os.Remove(path); err != nil {
			log.G(ctx).WithError(err).Warnf("failed to remove %s", path)
		}
		return nil, &errdefs.NamespaceError{Op: "create", Name: name, Err: err}
	}

	log.G(ctx).WithField("netns", path).Debug("created network namespace")
	return &Namespace{Name: name, Path: path}, nil
}

func bindNewNetns(path string) error {
	newns, err := netns.New()
	if err != nil {
		return errdefs.FromErrno(fmt.Errorf("unshare network namespace: %w", err))
	}
	defer newns.Close()

	procNet := fmt.Sprintf("/proc/self/task/%d/ns/net", unix.Gettid())
	if err := mount.Mount(procNet, path, "none", "bind"); err != nil {
		return errdefs.FromErrno(err)
	}
	return LoopbackUp()
}

// Open opens the namespace called name. The caller owns the returned
// handle and must close it.
func (m *Manager) Open(name string) (*Handle, error) {
	if err := validateName(name); err != nil {
		return nil, &errdefs.NamespaceError{Op: "open", Name: name, Err: err}
	}
	path := m.Path(name)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			err = errdefs.NotFound(fmt.Errorf("no network namespace named %q in %s", name, m.dir))
		}
		return nil, &errdefs.NamespaceError{Op: "open", Name: name, Err: err}
	}
	ns, err := netns.GetFromPath(path)
	if err != nil {
		return nil, &errdefs.NamespaceError{Op: "open", Name: name, Err: errdefs.FromErrno(err)}
	}
	return &Handle{name: name, ns: ns}, nil
}

// Enter switches the calling thread into the network namespace referenced
// by h. The caller must have locked its goroutine to the OS thread, and
// should treat the switch as permanent for that thread.
func (m *Manager) Enter(h *Handle) error {
	if h == nil || !h.ns.IsOpen() {
		return &errdefs.NamespaceError{Op: "enter", Err: errdefs.InvalidParameter(errors.New("namespace handle is closed"))}
	}
	if err := netns.Set(h.ns); err != nil {
		return &errdefs.NamespaceError{Op: "enter", Name: h.name, Err: errdefs.FromErrno(err)}
	}
	return nil
}

// Delete unmounts and removes the namespace called name.
func (m *Manager) Delete(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return &errdefs.NamespaceError{Op: "delete", Name: name, Err: err}
	}
	path := m.Path(name)
	if _, err := os.Lstat(path); os.IsNotExist(err) {
		return &errdefs.NamespaceError{Op: "delete", Name: name, Err: errdefs.NotFound(err)}
	}
	if err := mount.Unmount(path); err != nil && !errors.Is(err, unix.EINVAL) {
		return &errdefs.NamespaceError{Op: "delete", Name: name, Err: errdefs.FromErrno(err)}
	}
	if err := os.Remove(path); err != nil {
		return &errdefs.NamespaceError{Op: "delete", Name: name, Err: errdefs.FromErrno(err)}
	}
	log.G(ctx).WithField("netns", path).Debug("deleted network namespace")
	return nil
}

// List returns the names of the namespaces currently mounted in the
// manager's directory.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		mounted, err := mountinfo.Mounted(m.Path(e.Name()))
		if err != nil || !mounted {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// CheckCapabilities returns an [errdefs.ErrForbidden] error unless the
// process holds the capabilities needed to create and enter namespaces.
func CheckCapabilities() error {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return errdefs.System(err)
	}
	if err := caps.Load(); err != nil {
		return errdefs.System(err)
	}
	var missing []string
	for _, c := range []capability.Cap{capability.CAP_SYS_ADMIN, capability.CAP_NET_ADMIN} {
		if !caps.Get(capability.EFFECTIVE, c) {
			missing = append(missing, c.String())
		}
	}
	if len(missing) > 0 {
		return errdefs.Forbidden(fmt.Errorf("missing capabilities: %s", strings.Join(missing, ", ")))
	}
	return nil
}

// LoopbackUp brings up the "lo" interface of the network namespace the
// calling thread is in.
func LoopbackUp() error {
	nlh, err := netlink.NewHandle()
	if err != nil {
		return &errdefs.NetworkError{Op: "open netlink handle", Err: errdefs.System(err)}
	}
	defer nlh.Close()

	lo, err := nlh.LinkByName("lo")
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			err = errdefs.NotFound(err)
		}
		return &errdefs.NetworkError{Op: "lookup", Link: "lo", Err: err}
	}
	if err := nlh.LinkSetUp(lo); err != nil {
		return &errdefs.NetworkError{Op: "set up", Link: "lo", Err: errdefs.FromErrno(err)}
	}
	return nil
}
