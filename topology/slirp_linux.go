package topology

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/log"
	"github.com/moby/nsnet/errdefs"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sys/unix"
)

const (
	// SlirpIface is the tap device slirp4netns creates in the namespace.
	SlirpIface = "tap0"
	// SlirpMTU is the MTU of the tap device.
	SlirpMTU = 65520

	defaultSlirpBinary       = "slirp4netns"
	defaultSlirpReadyTimeout = 10 * time.Second
)

// Slirp starts slirp4netns, giving a network namespace unprivileged access
// to the outside through a tap device. slirp4netns configures the device
// itself: address 10.0.2.100/24 and a default route via 10.0.2.2.
type Slirp struct {
	// Binary is the slirp4netns executable, looked up in PATH if empty.
	Binary string
	// LogPath receives the output of slirp4netns. It is discarded if empty.
	LogPath string
	// ReadyTimeout bounds the wait for the tap device to be configured.
	ReadyTimeout time.Duration
}

func (s *Slirp) binary() string {
	if s.Binary == "" {
		return defaultSlirpBinary
	}
	return s.Binary
}

func slirpArgs(target Target) ([]string, error) {
	args := []string{"--configure", "--mtu=" + strconv.Itoa(SlirpMTU), "--disable-host-loopback", "--ready-fd=3"}
	switch {
	case target.kind == targetPID && target.id > 0:
		args = append(args, strconv.Itoa(target.id))
	case target.kind == targetPath && target.path != "":
		args = append(args, "--netns-type=path", target.path)
	default:
		return nil, errdefs.InvalidParameter(fmt.Errorf("slirp4netns cannot join %s", target))
	}
	return append(args, SlirpIface), nil
}

// Start runs slirp4netns for the namespace designated by target, a pid or
// a path, and waits until it reports the tap device configured. The
// process runs in its own session and outlives the caller; its pid is
// returned so it can be passed to Stop later. If slirp4netns exits first,
// Start returns a [*CommandError] carrying its exit status.
func (s *Slirp) Start(ctx context.Context, target Target) (int, error) {
	ctx, span := startSpan(ctx, "StartSlirp", attribute.String("target", target.String()))
	defer span.End()

	args, err := slirpArgs(target)
	if err != nil {
		return 0, &errdefs.NetworkError{Op: "start slirp4netns", Link: SlirpIface, Err: err}
	}
	cmdArgs := append([]string{s.binary()}, args...)
	path, err := exec.LookPath(s.binary())
	if err != nil {
		return 0, &CommandError{Args: cmdArgs, ExitCode: -1, Err: errdefs.NotFound(err)}
	}

	ready, readyW, err := os.Pipe()
	if err != nil {
		return 0, errdefs.System(err)
	}
	defer ready.Close()

	cmd := exec.Command(path, args...)
	cmd.ExtraFiles = []*os.File{readyW}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if s.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(s.LogPath), 0o700); err != nil {
			readyW.Close()
			return 0, errdefs.FromErrno(err)
		}
		logFile, err := os.OpenFile(s.LogPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
		if err != nil {
			readyW.Close()
			return 0, errdefs.FromErrno(err)
		}
		defer logFile.Close()
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}
	err = cmd.Start()
	readyW.Close()
	if err != nil {
		return 0, &CommandError{Args: cmdArgs, ExitCode: -1, Err: errdefs.System(err)}
	}

	readyCh := make(chan error, 1)
	go func() {
		b := make([]byte, 1)
		_, err := ready.Read(b)
		readyCh <- err
	}()

	timeout := s.ReadyTimeout
	if timeout == 0 {
		timeout = defaultSlirpReadyTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-readyCh:
		if err != nil {
			// The ready pipe was closed without a byte: slirp4netns exited.
			return 0, s.exitError(cmdArgs, cmd.Wait())
		}
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return 0, ctx.Err()
	case <-timer.C:
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return 0, &CommandError{Args: cmdArgs, ExitCode: -1, Err: errdefs.System(fmt.Errorf("%s not configured after %s", SlirpIface, timeout))}
	}

	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	log.G(ctx).WithFields(log.Fields{"pid": pid, "target": target.String()}).Debug("started slirp4netns")
	return pid, nil
}

func (s *Slirp) exitError(args []string, waitErr error) error {
	cmdErr := &CommandError{Args: args, ExitCode: -1, Err: waitErr}
	var exitErr *exec.ExitError
	switch {
	case errors.As(waitErr, &exitErr):
		cmdErr.ExitCode = exitErr.ExitCode()
	case waitErr == nil:
		cmdErr.ExitCode = 0
		cmdErr.Err = fmt.Errorf("exited before configuring %s", SlirpIface)
	}
	if s.LogPath != "" {
		if out, err := os.ReadFile(s.LogPath); err == nil {
			cmdErr.Output = strings.TrimSpace(string(out))
		}
	}
	return cmdErr
}

// Stop terminates the slirp4netns process pid. A process that is gone, or
// whose pid now belongs to another program, is left alone.
func (s *Slirp) Stop(ctx context.Context, pid int) error {
	if pid <= 0 {
		return nil
	}
	comm, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/comm")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return errdefs.FromErrno(err)
	}
	if strings.TrimSpace(string(comm)) != commName(s.binary()) {
		log.G(ctx).Debugf("pid %d is no longer slirp4netns, not stopping it", pid)
		return nil
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return errdefs.FromErrno(err)
	}

	// Reap it if it is a child of this process. Wait4 fails with ECHILD
	// otherwise, and init takes care of it.
	for range 20 {
		wpid, err := unix.Wait4(pid, nil, unix.WNOHANG, nil)
		if err != nil || wpid == pid {
			log.G(ctx).WithField("pid", pid).Debug("stopped slirp4netns")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = unix.Kill(pid, unix.SIGKILL)
	_, _ = unix.Wait4(pid, nil, 0, nil)
	log.G(ctx).WithField("pid", pid).Warn("killed slirp4netns")
	return nil
}

// commName is the name the kernel reports in /proc/<pid>/comm for binary.
func commName(binary string) string {
	name := filepath.Base(binary)
	if len(name) > 15 {
		name = name[:15]
	}
	return name
}
