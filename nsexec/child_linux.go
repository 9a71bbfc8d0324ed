package nsexec

import (
	"context"
	"encoding/json"
	"os"
	"runtime/debug"
	"time"

	"github.com/containerd/log"
	"github.com/moby/nsnet/namespace"
	"github.com/moby/nsnet/topology"
	"golang.org/x/sys/unix"
)

// configure is the entry point of the configuring child. It reads its
// request from fd 3 and exits 0 on success. On failure it writes the
// error back on fd 3 and aborts.
func configure() {
	// Delegated ip(8) commands must not hold the parent's socket open.
	unix.CloseOnExec(3)
	pipe := os.NewFile(3, configureCmd)

	var req request
	err := json.NewDecoder(pipe).Decode(&req)
	if err == nil {
		if req.Debug {
			_ = log.SetLevel("debug")
		}
		ctx := log.WithLogger(context.Background(), log.L.WithField("netns", req.Namespace))
		err = configureInNamespace(ctx, req)
		if err != nil {
			log.G(ctx).WithError(err).Debug("aborting namespace configuration")
		}
	}
	if err != nil {
		_ = json.NewEncoder(pipe).Encode(childError{Message: err.Error(), Kind: kindOf(err)})
		pipe.Close()
		abort()
	}
	pipe.Close()
	os.Exit(0)
}

func configureInNamespace(ctx context.Context, req request) error {
	m := namespace.NewManager(req.NetnsDir)
	h, err := m.Open(req.Namespace)
	if err != nil {
		return err
	}
	err = m.Enter(h)
	h.Close()
	if err != nil {
		return err
	}
	if err := m.IsolateMounts(); err != nil {
		return err
	}
	if err := m.RemountSys(ctx, req.Namespace); err != nil {
		log.G(ctx).WithError(err).Warn("failed to remount /sys")
	}

	cfgr, err := topology.SelectConfigurator(req.Strategy)
	if err != nil {
		return err
	}
	return cfgr.Configure(ctx, topology.PeerConfig{
		Iface:     req.Iface,
		Address:   req.Address,
		PrefixLen: req.PrefixLen,
		Gateway:   req.Gateway,
	})
}

// abort terminates the process with SIGABRT, leaving namespaces, links
// and mounts as they are. The runtime only dies from the signal itself
// when tracebacks are set to "crash"; the traceback is sent to /dev/null.
// The error was already reported, so no core is dumped.
func abort() {
	_ = unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{})
	if devNull, err := unix.Open(os.DevNull, unix.O_WRONLY|unix.O_CLOEXEC, 0); err == nil {
		_ = unix.Dup3(devNull, 2, 0)
	}
	debug.SetTraceback("crash")
	_ = unix.Kill(os.Getpid(), unix.SIGABRT)
	time.Sleep(time.Second)
	os.Exit(2)
}
