// Package networking provides helpers to inspect named network
// namespaces from tests.
package networking

import (
	"net"
	"os/exec"
	"runtime"
	"testing"

	"github.com/moby/nsnet/namespace"
	"github.com/vishvananda/netlink"
)

// Iface is what a test can observe of an interface.
type Iface struct {
	Up    bool
	Addrs []string // CIDR notation
	// Gateway of the IPv4 default route through the interface, if any.
	Gateway string
}

// Do runs fn in the named network namespace of m. fn runs on a dedicated
// thread which is discarded afterwards, so the caller's thread is never
// switched.
func Do(t *testing.T, m *namespace.Manager, nsName string, fn func() error) {
	t.Helper()

	h, err := m.Open(nsName)
	if err != nil {
		t.Fatalf("failed to open netns %s: %v", nsName, err)
	}
	defer h.Close()

	errCh := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		if err := m.Enter(h); err != nil {
			errCh <- err
			return
		}
		errCh <- fn()
	}()
	if err := <-errCh; err != nil {
		t.Fatalf("in netns %s: %v", nsName, err)
	}
}

// InspectIface returns the state of ifname in the named namespace.
func InspectIface(t *testing.T, m *namespace.Manager, nsName, ifname string) Iface {
	t.Helper()

	var iface Iface
	Do(t, m, nsName, func() error {
		link, err := netlink.LinkByName(ifname)
		if err != nil {
			return err
		}
		iface.Up = link.Attrs().Flags&net.FlagUp != 0

		addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
		if err != nil {
			return err
		}
		for _, a := range addrs {
			iface.Addrs = append(iface.Addrs, a.IPNet.String())
		}

		routes, err := netlink.RouteList(link, netlink.FAMILY_V4)
		if err != nil {
			return err
		}
		for _, r := range routes {
			if (r.Dst == nil || r.Dst.IP.IsUnspecified()) && r.Gw != nil {
				iface.Gateway = r.Gw.String()
			}
		}
		return nil
	})
	return iface
}

// RequiresIPCommand skips the test unless the ip(8) command is installed.
func RequiresIPCommand(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("ip"); err != nil {
		t.Skip("ip command not available")
	}
}
