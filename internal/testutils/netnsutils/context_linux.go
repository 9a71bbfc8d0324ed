// Package netnsutils provides helpers to run tests in a throwaway network
// namespace.
package netnsutils

import (
	"os"
	"runtime"
	"testing"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"gotest.tools/v3/skip"
)

// SetupTestOSContext locks the calling goroutine to its OS thread, moves
// the thread into a new network namespace with "lo" up, and returns a
// function restoring the original namespace. Tests calling it must not
// spawn goroutines that touch the network, and must defer the returned
// function:
//
//	defer netnsutils.SetupTestOSContext(t)()
func SetupTestOSContext(t *testing.T) func() {
	t.Helper()
	skip.If(t, os.Getuid() != 0, "skipping test that requires root")

	runtime.LockOSThread()
	origNS, err := netns.Get()
	if err != nil {
		runtime.UnlockOSThread()
		t.Fatalf("failed to get current netns: %v", err)
	}
	newNS, err := netns.New()
	if err != nil {
		origNS.Close()
		runtime.UnlockOSThread()
		t.Fatalf("failed to create netns: %v", err)
	}
	if lo, err := netlink.LinkByName("lo"); err == nil {
		_ = netlink.LinkSetUp(lo)
	}

	return func() {
		if err := netns.Set(origNS); err != nil {
			// The thread is stuck in the test namespace; leave it locked so
			// the runtime discards it when the goroutine exits.
			t.Logf("failed to restore netns: %v", err)
		} else {
			runtime.UnlockOSThread()
		}
		newNS.Close()
		origNS.Close()
	}
}

// RequiresRoot skips the test unless it runs as root.
func RequiresRoot(t *testing.T) {
	t.Helper()
	skip.If(t, os.Getuid() != 0, "skipping test that requires root")
}
