package topology

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"

	"github.com/containerd/log"
	"github.com/moby/nsnet/errdefs"
	"github.com/vishvananda/netlink"
)

// PeerConfig describes how the peer end of a veth pair is configured once
// it sits in its namespace.
type PeerConfig struct {
	Iface     string
	Address   string
	PrefixLen int
	// Gateway, when set, is installed as the default route through Iface.
	Gateway string
}

// PeerConfigurator configures an interface of the network namespace the
// calling thread is in. Configuration stops at the first failing step.
type PeerConfigurator interface {
	Configure(ctx context.Context, cfg PeerConfig) error
}

// SelectConfigurator returns the configurator for strategy. The "auto"
// strategy picks the ip(8) command when it is installed and netlink
// otherwise.
func SelectConfigurator(strategy string) (PeerConfigurator, error) {
	switch strategy {
	case StrategyNetlink:
		return NewNetlinkConfigurator(), nil
	case StrategyCommand:
		return NewCommandConfigurator(""), nil
	case StrategyAuto, "":
		if path, err := exec.LookPath("ip"); err == nil {
			return NewCommandConfigurator(path), nil
		}
		return NewNetlinkConfigurator(), nil
	default:
		return nil, errdefs.InvalidParameter(fmt.Errorf("unknown peer configuration strategy %q", strategy))
	}
}

// NetlinkConfigurator configures the peer through netlink requests.
type NetlinkConfigurator struct {
	newHandle func() (Handle, error)
}

// NewNetlinkConfigurator returns a NetlinkConfigurator.
func NewNetlinkConfigurator() *NetlinkConfigurator {
	return &NetlinkConfigurator{newHandle: newNetlinkHandle}
}

func (c *NetlinkConfigurator) Configure(ctx context.Context, cfg PeerConfig) error {
	nlh, err := c.newHandle()
	if err != nil {
		return &errdefs.NetworkError{Op: "open netlink handle", Err: errdefs.System(err)}
	}
	defer nlh.Close()

	link, err := lookup(nlh, cfg.Iface)
	if err != nil {
		return err
	}
	return configureLink(ctx, nlh, link, cfg)
}

// configureLink assigns the address to link, brings it and "lo" up, then
// installs the default route if a gateway is set.
func configureLink(ctx context.Context, nlh Handle, link netlink.Link, cfg PeerConfig) error {
	name := link.Attrs().Name
	ipNet, err := parseAddr(cfg.Address, cfg.PrefixLen)
	if err != nil {
		return &errdefs.NetworkError{Op: "add address", Link: name, Err: err}
	}
	var gw net.IP
	if cfg.Gateway != "" {
		if gw = net.ParseIP(cfg.Gateway).To4(); gw == nil {
			return &errdefs.NetworkError{Op: "add default route", Link: name, Err: errdefs.InvalidParameter(fmt.Errorf("invalid gateway %q", cfg.Gateway))}
		}
	}

	if err := nlh.AddrAdd(link, &netlink.Addr{IPNet: ipNet}); err != nil {
		return nlError("add address "+ipNet.String(), name, err)
	}
	if err := nlh.LinkSetUp(link); err != nil {
		return nlError("set up", name, err)
	}
	lo, err := lookup(nlh, "lo")
	if err != nil {
		return err
	}
	if err := nlh.LinkSetUp(lo); err != nil {
		return nlError("set up", "lo", err)
	}
	if gw != nil {
		err := nlh.RouteAdd(&netlink.Route{
			Scope:     netlink.SCOPE_UNIVERSE,
			LinkIndex: link.Attrs().Index,
			Gw:        gw,
		})
		if err != nil {
			return nlError("add default route via "+gw.String(), name, err)
		}
	}
	log.G(ctx).WithFields(log.Fields{"iface": name, "address": ipNet, "gateway": cfg.Gateway}).Debug("configured peer interface")
	return nil
}

// CommandError is returned when a delegated ip(8) invocation fails.
type CommandError struct {
	Args     []string
	ExitCode int
	Output   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s: exit status %d", strings.Join(e.Args, " "), e.ExitCode)
	if e.ExitCode < 0 {
		msg = fmt.Sprintf("%s: %v", strings.Join(e.Args, " "), e.Err)
	}
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// System marks command failures as system errors.
func (e *CommandError) System() {}

type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// CommandConfigurator configures the peer by running the ip(8) command.
// The exit status of every invocation is checked.
type CommandConfigurator struct {
	ipPath string
	run    runFunc
}

// NewCommandConfigurator returns a CommandConfigurator running the ip
// binary at ipPath, or the one found in PATH if ipPath is empty.
func NewCommandConfigurator(ipPath string) *CommandConfigurator {
	if ipPath == "" {
		ipPath = "ip"
	}
	return &CommandConfigurator{ipPath: ipPath, run: runCommand}
}

func (c *CommandConfigurator) Configure(ctx context.Context, cfg PeerConfig) error {
	if err := ValidateIfaceName(cfg.Iface); err != nil {
		return &errdefs.NetworkError{Op: "configure", Link: cfg.Iface, Err: err}
	}
	ipNet, err := parseAddr(cfg.Address, cfg.PrefixLen)
	if err != nil {
		return &errdefs.NetworkError{Op: "add address", Link: cfg.Iface, Err: err}
	}
	cmds := [][]string{
		{"link", "set", "lo", "up"},
		{"link", "set", cfg.Iface, "up"},
		{"addr", "add", ipNet.String(), "dev", cfg.Iface},
	}
	if cfg.Gateway != "" {
		if net.ParseIP(cfg.Gateway).To4() == nil {
			return &errdefs.NetworkError{Op: "add default route", Link: cfg.Iface, Err: errdefs.InvalidParameter(fmt.Errorf("invalid gateway %q", cfg.Gateway))}
		}
		cmds = append(cmds, []string{"route", "add", "default", "dev", cfg.Iface, "via", cfg.Gateway})
	}
	for _, args := range cmds {
		if err := c.ip(ctx, args...); err != nil {
			return &errdefs.NetworkError{Op: "configure", Link: cfg.Iface, Err: err}
		}
	}
	log.G(ctx).WithFields(log.Fields{"iface": cfg.Iface, "address": ipNet, "gateway": cfg.Gateway}).Debug("configured peer interface with ip(8)")
	return nil
}

func (c *CommandConfigurator) ip(ctx context.Context, args ...string) error {
	out, err := c.run(ctx, c.ipPath, args...)
	if err == nil {
		return nil
	}
	cmdErr := &CommandError{
		Args:     append([]string{c.ipPath}, args...),
		ExitCode: -1,
		Output:   strings.TrimSpace(string(out)),
		Err:      err,
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		cmdErr.ExitCode = exitErr.ExitCode()
	}
	log.G(ctx).WithFields(log.Fields{"args": cmdErr.Args, "exitCode": cmdErr.ExitCode}).Debug("ip command failed")
	return cmdErr
}
