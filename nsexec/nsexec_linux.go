// Package nsexec runs the configuration of a network namespace in a
// short-lived child process.
//
// The child is the current binary re-executed under a registered name. It
// enters the namespace, isolates its mounts and configures the peer end of
// the namespace's veth pair. Doing this in a separate process keeps the
// namespace switch and the private mount table away from the caller.
// Programs using this package must call [Init] first thing in main.
package nsexec

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"runtime"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/moby/nsnet/errdefs"
	"github.com/moby/nsnet/namespace"
	"github.com/moby/nsnet/topology"
	"github.com/moby/sys/reexec"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sys/unix"
)

const configureCmd = "nsnet-configure"

// DefaultPrefixLen is used when the Runner does not set one.
const DefaultPrefixLen = 24

func init() {
	// The child unshares its mount namespace from the main goroutine.
	// Keep that goroutine on the main thread so /proc/self describes it.
	runtime.LockOSThread()
	reexec.Register(configureCmd, configure)
}

// Init runs the configuring child if the process was started as one, in
// which case it never returns. Otherwise it returns false.
func Init() bool {
	return reexec.Init()
}

// request is sent by the parent on the child's fd 3.
type request struct {
	Namespace string `json:"namespace"`
	NetnsDir  string `json:"netns_dir"`
	Iface     string `json:"iface"`
	Address   string `json:"address"`
	PrefixLen int    `json:"prefix_len"`
	Gateway   string `json:"gateway"`
	Strategy  string `json:"strategy"`
	Debug     bool   `json:"debug"`
}

// childError is sent back by a failing child before it exits.
type childError struct {
	Message string `json:"message"`
	Kind    string `json:"kind"`
}

func (e childError) Error() string {
	return e.Message
}

// Runner starts configuring children.
type Runner struct {
	Namespaces *namespace.Manager
	// Strategy selects the peer configurator, see [topology.SelectConfigurator].
	Strategy string
	// PrefixLen of the peer address. Defaults to DefaultPrefixLen.
	PrefixLen int
}

func (r *Runner) transition(ctx context.Context, s State) {
	log.G(ctx).WithField("state", s).Debug("configuring child")
}

// RunInNamespace configures the namespace nsName from a child process: the
// child enters it, makes its mounts private, remounts /sys, assigns
// peerAddr to "<nsName>_peer", brings it and "lo" up, and adds a default
// route via gatewayAddr. RunInNamespace waits for the child without a
// timeout and returns the classified exit status.
func (r *Runner) RunInNamespace(ctx context.Context, nsName, gatewayAddr, peerAddr string) error {
	ctx, span := otel.Tracer("").Start(ctx, "nsexec.RunInNamespace")
	span.SetAttributes(attribute.String("netns", nsName))
	defer span.End()

	prefixLen := r.PrefixLen
	if prefixLen == 0 {
		prefixLen = DefaultPrefixLen
	}
	req := request{
		Namespace: nsName,
		NetnsDir:  r.Namespaces.Dir(),
		Iface:     nsName + topology.PeerSuffix,
		Address:   peerAddr,
		PrefixLen: prefixLen,
		Gateway:   gatewayAddr,
		Strategy:  r.Strategy,
		Debug:     log.GetLevel() >= log.DebugLevel,
	}

	parent, child, err := socketPair(configureCmd)
	if err != nil {
		return &errdefs.NamespaceError{Op: "configure", Name: nsName, Err: errdefs.System(err)}
	}
	defer parent.Close()

	r.transition(ctx, Forking)
	cmd := reexec.Command(configureCmd)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{child}
	if err := cmd.Start(); err != nil {
		child.Close()
		return &errdefs.NamespaceError{Op: "start child", Name: nsName, Err: errdefs.System(err)}
	}
	child.Close()
	r.transition(ctx, ChildConfiguring)

	reported, ioErr := exchange(parent, req)
	if ioErr != nil {
		log.G(ctx).WithError(ioErr).Debug("failed to talk to configuring child")
	}

	waitErr := cmd.Wait()
	r.transition(ctx, ChildExited)
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return &errdefs.NamespaceError{Op: "wait", Name: nsName, Err: errdefs.System(waitErr)}
	}

	err = ClassifyExit(cmd.ProcessState)
	r.transition(ctx, Reaped)
	if err == nil {
		return nil
	}
	var nsErr *errdefs.NamespaceError
	if errors.As(err, &nsErr) {
		nsErr.Name = nsName
		if reported != nil && nsErr.Err == nil {
			nsErr.Err = fromKind(reported.Kind, reported)
		}
	}
	span.RecordError(err)
	return err
}

// exchange sends req to the child and returns the error it reported, if
// any. The child's end is read until EOF, which happens when it exits.
func exchange(conn *os.File, req request) (*childError, error) {
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, err
	}
	if err := unix.Shutdown(int(conn.Fd()), unix.SHUT_WR); err != nil {
		return nil, err
	}
	b, err := io.ReadAll(conn)
	if err != nil || len(b) == 0 {
		return nil, err
	}
	var reported childError
	if err := json.Unmarshal(b, &reported); err != nil {
		return nil, err
	}
	return &reported, nil
}

func socketPair(name string) (parent, child *os.File, _ error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, errdefs.FromErrno(err)
	}
	return os.NewFile(uintptr(fds[1]), name+"-p"), os.NewFile(uintptr(fds[0]), name+"-c"), nil
}

// kindOf names the category of err so it survives the trip to the parent.
func kindOf(err error) string {
	switch {
	case cerrdefs.IsNotFound(err):
		return "not-found"
	case cerrdefs.IsInvalidArgument(err):
		return "invalid-parameter"
	case cerrdefs.IsAlreadyExists(err):
		return "already-exists"
	case cerrdefs.IsConflict(err):
		return "conflict"
	case cerrdefs.IsPermissionDenied(err):
		return "forbidden"
	default:
		return "system"
	}
}

func fromKind(kind string, err error) error {
	switch kind {
	case "not-found":
		return errdefs.NotFound(err)
	case "invalid-parameter":
		return errdefs.InvalidParameter(err)
	case "already-exists":
		return errdefs.AlreadyExists(err)
	case "conflict":
		return errdefs.Conflict(err)
	case "forbidden":
		return errdefs.Forbidden(err)
	default:
		return errdefs.System(err)
	}
}
