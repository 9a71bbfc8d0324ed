package topology

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"golang.org/x/sys/unix"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

// fakeSlirp writes an executable called slirp4netns running script and
// returns its path.
func fakeSlirp(t *testing.T, script string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "slirp4netns")
	assert.NilError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+script), 0o755))
	return p
}

func TestSlirpArgs(t *testing.T) {
	args, err := slirpArgs(PIDTarget(42))
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(args, []string{"--configure", "--mtu=65520", "--disable-host-loopback", "--ready-fd=3", "42", "tap0"}))

	args, err = slirpArgs(PathTarget("/run/netns/ns1"))
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(args, []string{"--configure", "--mtu=65520", "--disable-host-loopback", "--ready-fd=3", "--netns-type=path", "/run/netns/ns1", "tap0"}))

	for _, target := range []Target{FDTarget(3), PIDTarget(0), PathTarget(""), {}} {
		_, err := slirpArgs(target)
		assert.Check(t, is.ErrorType(err, cerrdefs.IsInvalidArgument), "target %s", target)
	}
}

func TestSlirpStartStop(t *testing.T) {
	ctx := context.Background()
	bin := fakeSlirp(t, `printf '%s\n' "$@" > "$0.args"
echo 1 >&3
while :; do sleep 1; done
`)
	s := &Slirp{Binary: bin}

	pid, err := s.Start(ctx, PathTarget("/run/netns/ns1"))
	assert.NilError(t, err)
	assert.Check(t, pid > 0)

	b, err := os.ReadFile(bin + ".args")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(strings.Join(strings.Fields(string(b)), " "),
		"--configure --mtu=65520 --disable-host-loopback --ready-fd=3 --netns-type=path /run/netns/ns1 tap0"))

	sid, err := unix.Getsid(pid)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(sid, pid), "slirp4netns must run in its own session")

	assert.NilError(t, s.Stop(ctx, pid))
	assert.Check(t, is.ErrorIs(unix.Kill(pid, 0), unix.ESRCH))

	// Stopping again is a no-op.
	assert.NilError(t, s.Stop(ctx, pid))
}

func TestSlirpExitStatus(t *testing.T) {
	bin := fakeSlirp(t, `echo "cannot join netns" >&2
exit 3
`)
	s := &Slirp{Binary: bin, LogPath: filepath.Join(t.TempDir(), "logs", "slirp.log")}

	_, err := s.Start(context.Background(), PIDTarget(1))
	var cmdErr *CommandError
	assert.Assert(t, errors.As(err, &cmdErr))
	assert.Check(t, is.Equal(cmdErr.ExitCode, 3))
	assert.Check(t, is.Equal(cmdErr.Output, "cannot join netns"))
	assert.Check(t, is.ErrorContains(err, "exit status 3"))
	assert.Check(t, is.ErrorType(err, cerrdefs.IsInternal))

	// Exiting cleanly without signalling readiness is a failure too.
	s = &Slirp{Binary: fakeSlirp(t, "exit 0\n")}
	_, err = s.Start(context.Background(), PIDTarget(1))
	assert.Assert(t, errors.As(err, &cmdErr))
	assert.Check(t, is.Equal(cmdErr.ExitCode, 0))
	assert.Check(t, is.ErrorContains(err, "tap0"))
}

func TestSlirpReadyTimeout(t *testing.T) {
	s := &Slirp{
		Binary:       fakeSlirp(t, "while :; do sleep 1; done\n"),
		ReadyTimeout: 200 * time.Millisecond,
	}
	_, err := s.Start(context.Background(), PIDTarget(1))
	assert.Check(t, is.ErrorContains(err, "not configured after"))
}

func TestSlirpMissingBinary(t *testing.T) {
	s := &Slirp{Binary: filepath.Join(t.TempDir(), "slirp4netns")}
	_, err := s.Start(context.Background(), PIDTarget(1))
	assert.Check(t, is.ErrorType(err, cerrdefs.IsNotFound))
}

func TestSlirpStopOtherProcess(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	assert.NilError(t, cmd.Start())
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	s := &Slirp{}
	assert.NilError(t, s.Stop(context.Background(), cmd.Process.Pid))
	assert.NilError(t, unix.Kill(cmd.Process.Pid, 0), "a process that is not slirp4netns must be left alone")
}

func TestCommName(t *testing.T) {
	assert.Check(t, is.Equal(commName("slirp4netns"), "slirp4netns"))
	assert.Check(t, is.Equal(commName("/opt/bin/slirp4netns-v1.3.1-amd64"), "slirp4netns-v1."))
}
