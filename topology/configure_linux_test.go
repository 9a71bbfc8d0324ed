package topology

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestNetlinkConfigurator(t *testing.T) {
	h := newFakeHandle()
	h.add(&netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: "ns1_peer"}})
	c := &NetlinkConfigurator{newHandle: h.factory()}

	err := c.Configure(context.Background(), PeerConfig{Iface: "ns1_peer", Address: "10.0.0.2", PrefixLen: 24, Gateway: "10.0.0.1"})
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(h.addrs["ns1_peer"], []string{"10.0.0.2/24"}))
	assert.Check(t, h.up["ns1_peer"])
	assert.Check(t, h.up["lo"])
	assert.Assert(t, is.Len(h.routes, 1))
	assert.Check(t, is.Equal(h.routes[0].Gw.String(), "10.0.0.1"))
	assert.Check(t, is.Equal(h.routes[0].LinkIndex, h.links["ns1_peer"].Attrs().Index))
	assert.Check(t, h.routes[0].Dst == nil, "must be a default route")
}

func TestNetlinkConfiguratorStopsAtFirstFailure(t *testing.T) {
	h := newFakeHandle()
	h.add(&netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: "ns1_peer"}})
	h.fail["AddrAdd ns1_peer"] = unix.EACCES
	c := &NetlinkConfigurator{newHandle: h.factory()}

	err := c.Configure(context.Background(), PeerConfig{Iface: "ns1_peer", Address: "10.0.0.2", PrefixLen: 24, Gateway: "10.0.0.1"})
	assert.Check(t, is.ErrorType(err, cerrdefs.IsPermissionDenied))
	assert.Check(t, !h.up["ns1_peer"])
	assert.Check(t, is.Len(h.routes, 0))

	err = c.Configure(context.Background(), PeerConfig{Iface: "missing", Address: "10.0.0.2", PrefixLen: 24})
	assert.Check(t, is.ErrorType(err, cerrdefs.IsNotFound))

	err = c.Configure(context.Background(), PeerConfig{Iface: "ns1_peer", Address: "10.0.0.2", PrefixLen: 24, Gateway: "nope"})
	assert.Check(t, is.ErrorType(err, cerrdefs.IsInvalidArgument))
}

type recordedRun struct {
	cmds   []string
	failOn string
}

func (r *recordedRun) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := strings.Join(append([]string{name}, args...), " ")
	r.cmds = append(r.cmds, cmd)
	if r.failOn != "" && strings.Contains(cmd, r.failOn) {
		// Produce a genuine *exec.ExitError.
		return exec.CommandContext(ctx, "sh", "-c", "echo 'RTNETLINK answers: File exists' >&2; exit 2").CombinedOutput()
	}
	return nil, nil
}

func TestCommandConfigurator(t *testing.T) {
	r := &recordedRun{}
	c := &CommandConfigurator{ipPath: "/sbin/ip", run: r.run}

	err := c.Configure(context.Background(), PeerConfig{Iface: "ns1_peer", Address: "10.0.0.2", PrefixLen: 24, Gateway: "10.0.0.1"})
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(r.cmds, []string{
		"/sbin/ip link set lo up",
		"/sbin/ip link set ns1_peer up",
		"/sbin/ip addr add 10.0.0.2/24 dev ns1_peer",
		"/sbin/ip route add default dev ns1_peer via 10.0.0.1",
	}))
}

func TestCommandConfiguratorChecksExitStatus(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := &recordedRun{failOn: "addr add"}
	c := &CommandConfigurator{ipPath: "ip", run: r.run}

	err := c.Configure(context.Background(), PeerConfig{Iface: "ns1_peer", Address: "10.0.0.2", PrefixLen: 24, Gateway: "10.0.0.1"})
	var cmdErr *CommandError
	assert.Assert(t, errors.As(err, &cmdErr))
	assert.Check(t, is.Equal(cmdErr.ExitCode, 2))
	assert.Check(t, is.Equal(cmdErr.Output, "RTNETLINK answers: File exists"))
	assert.Check(t, is.ErrorContains(err, "ip addr add 10.0.0.2/24 dev ns1_peer: exit status 2"))
	assert.Check(t, is.ErrorType(err, cerrdefs.IsInternal))
	// Nothing runs after the failing command.
	assert.Check(t, is.Len(r.cmds, 3))
}

func TestCommandConfiguratorNotInstalled(t *testing.T) {
	c := NewCommandConfigurator("/nonexistent/ip")
	err := c.Configure(context.Background(), PeerConfig{Iface: "ns1_peer", Address: "10.0.0.2", PrefixLen: 24})
	var cmdErr *CommandError
	assert.Assert(t, errors.As(err, &cmdErr))
	assert.Check(t, is.Equal(cmdErr.ExitCode, -1))
	assert.Check(t, is.ErrorIs(err, unix.ENOENT))
}

func TestSelectConfigurator(t *testing.T) {
	c, err := SelectConfigurator(StrategyNetlink)
	assert.NilError(t, err)
	_, ok := c.(*NetlinkConfigurator)
	assert.Check(t, ok)

	c, err = SelectConfigurator(StrategyCommand)
	assert.NilError(t, err)
	_, ok = c.(*CommandConfigurator)
	assert.Check(t, ok)

	c, err = SelectConfigurator(StrategyAuto)
	assert.NilError(t, err)
	if _, lookErr := exec.LookPath("ip"); lookErr == nil {
		_, ok = c.(*CommandConfigurator)
	} else {
		_, ok = c.(*NetlinkConfigurator)
	}
	assert.Check(t, ok)

	_, err = SelectConfigurator("carrier-pigeon")
	assert.Check(t, is.ErrorType(err, cerrdefs.IsInvalidArgument))
}
