// Package topology builds the virtual network connecting namespaces to
// the host: bridges, veth pairs, addresses, and moving interfaces into
// network namespaces.
//
// Every operation opens its own netlink handle in the caller's current
// network namespace and closes it before returning. Requests are issued
// one after the other; nothing is pooled or pipelined.
package topology

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/containerd/log"
	"github.com/moby/nsnet/errdefs"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PeerSuffix is appended to a veth name to name its peer end.
const PeerSuffix = "_peer"

// Handle is the subset of *netlink.Handle used by the builder.
type Handle interface {
	LinkAdd(link netlink.Link) error
	LinkDel(link netlink.Link) error
	LinkByName(name string) (netlink.Link, error)
	LinkByIndex(index int) (netlink.Link, error)
	LinkSetUp(link netlink.Link) error
	LinkSetMaster(link, master netlink.Link) error
	LinkSetNsPid(link netlink.Link, nspid int) error
	LinkSetNsFd(link netlink.Link, fd int) error
	AddrAdd(link netlink.Link, addr *netlink.Addr) error
	RouteAdd(route *netlink.Route) error
	Close()
}

func newNetlinkHandle() (Handle, error) {
	return netlink.NewHandle()
}

// Bridge is a bridge device created on the host.
type Bridge struct {
	Name  string
	Index int
}

// VethPair are the two ends of a veth device. PeerName is always
// HostName+PeerSuffix.
type VethPair struct {
	HostName  string
	PeerName  string
	HostIndex int
	PeerIndex int
}

// Builder issues the netlink requests building the topology.
//
// By default the steps following a device's creation (address assignment,
// bringing links up) are best-effort: a failing step is logged and the
// next one still runs, and the device is kept. In strict mode the first
// failing step is returned and the device is deleted again.
type Builder struct {
	strict    bool
	newHandle func() (Handle, error)
}

// Option configures a Builder.
type Option func(*Builder)

// WithStrict selects the strict sequencing policy.
func WithStrict(strict bool) Option {
	return func(b *Builder) {
		b.strict = strict
	}
}

// WithHandleFactory replaces the function opening netlink handles.
func WithHandleFactory(fn func() (Handle, error)) Option {
	return func(b *Builder) {
		b.newHandle = fn
	}
}

// New returns a Builder.
func New(opts ...Option) *Builder {
	b := &Builder{newHandle: newNetlinkHandle}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Builder) handle() (Handle, error) {
	nlh, err := b.newHandle()
	if err != nil {
		return nil, &errdefs.NetworkError{Op: "open netlink handle", Err: errdefs.System(err)}
	}
	return nlh, nil
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer("").Start(ctx, "topology."+name, trace.WithAttributes(attrs...))
}

// nlError wraps a netlink failure into a NetworkError of the matching
// category.
func nlError(op, link string, err error) error {
	var notFound netlink.LinkNotFoundError
	if errors.As(err, &notFound) {
		return &errdefs.NetworkError{Op: op, Link: link, Err: errdefs.NotFound(err)}
	}
	return &errdefs.NetworkError{Op: op, Link: link, Err: errdefs.FromErrno(err)}
}

// lookup resolves a link by name. A missing link is an error, never a
// default.
func lookup(nlh Handle, name string) (netlink.Link, error) {
	link, err := nlh.LinkByName(name)
	if err != nil && !(errors.Is(err, netlink.ErrDumpInterrupted) && link != nil) {
		return nil, nlError("lookup", name, err)
	}
	return link, nil
}

type step struct {
	desc string
	fn   func() error
}

// runSteps runs steps following the builder's sequencing policy.
func (b *Builder) runSteps(ctx context.Context, device string, steps []step) error {
	for _, s := range steps {
		err := s.fn()
		if err == nil {
			continue
		}
		err = nlError(s.desc, device, err)
		if b.strict {
			return err
		}
		log.G(ctx).WithError(err).Warnf("continuing setup of %s", device)
	}
	return nil
}

// rollback deletes link after a failed strict setup.
func rollback(ctx context.Context, nlh Handle, link netlink.Link) {
	if err := nlh.LinkDel(link); err != nil {
		log.G(ctx).WithError(err).Warnf("failed to remove %s", link.Attrs().Name)
	}
}

func parseAddr(addr string, prefixLen int) (*net.IPNet, error) {
	ip := net.ParseIP(addr)
	if ip == nil || ip.To4() == nil {
		return nil, errdefs.InvalidParameter(fmt.Errorf("invalid IPv4 address %q", addr))
	}
	if prefixLen < 1 || prefixLen > 32 {
		return nil, errdefs.InvalidParameter(fmt.Errorf("invalid prefix length %d", prefixLen))
	}
	return &net.IPNet{IP: ip.To4(), Mask: net.CIDRMask(prefixLen, 32)}, nil
}

// CreateBridge creates the bridge name, assigns it addr/prefixLen and
// brings it up. It returns the bridge's interface index.
func (b *Builder) CreateBridge(ctx context.Context, name, addr string, prefixLen int) (int, error) {
	ctx, span := startSpan(ctx, "CreateBridge", attribute.String("bridge", name))
	defer span.End()

	if err := ValidateIfaceName(name); err != nil {
		return 0, &errdefs.NetworkError{Op: "add bridge", Link: name, Err: err}
	}
	ipNet, err := parseAddr(addr, prefixLen)
	if err != nil {
		return 0, &errdefs.NetworkError{Op: "add bridge", Link: name, Err: err}
	}
	nlh, err := b.handle()
	if err != nil {
		return 0, err
	}
	defer nlh.Close()

	if err := nlh.LinkAdd(&netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}); err != nil {
		return 0, nlError("add bridge", name, err)
	}
	link, err := lookup(nlh, name)
	if err != nil {
		return 0, err
	}

	err = b.runSteps(ctx, name, []step{
		{"add address " + ipNet.String(), func() error { return nlh.AddrAdd(link, &netlink.Addr{IPNet: ipNet}) }},
		{"set up", func() error { return nlh.LinkSetUp(link) }},
	})
	if err != nil {
		rollback(ctx, nlh, link)
		return 0, err
	}

	log.G(ctx).WithFields(log.Fields{"bridge": name, "index": link.Attrs().Index, "address": ipNet}).Debug("created bridge")
	return link.Attrs().Index, nil
}

// CreateVethPair creates the veth pair name/name+PeerSuffix, assigns
// hostAddr and peerAddr to the two ends and brings both up.
func (b *Builder) CreateVethPair(ctx context.Context, name, hostAddr, peerAddr string, prefixLen int) (VethPair, error) {
	ctx, span := startSpan(ctx, "CreateVethPair", attribute.String("veth", name))
	defer span.End()

	pair := VethPair{HostName: name, PeerName: name + PeerSuffix}
	for _, n := range []string{pair.HostName, pair.PeerName} {
		if err := ValidateIfaceName(n); err != nil {
			return VethPair{}, &errdefs.NetworkError{Op: "add veth", Link: n, Err: err}
		}
	}
	hostNet, err := parseAddr(hostAddr, prefixLen)
	if err != nil {
		return VethPair{}, &errdefs.NetworkError{Op: "add veth", Link: pair.HostName, Err: err}
	}
	peerNet, err := parseAddr(peerAddr, prefixLen)
	if err != nil {
		return VethPair{}, &errdefs.NetworkError{Op: "add veth", Link: pair.PeerName, Err: err}
	}
	nlh, err := b.handle()
	if err != nil {
		return VethPair{}, err
	}
	defer nlh.Close()

	veth := &netlink.Veth{LinkAttrs: netlink.LinkAttrs{Name: pair.HostName}, PeerName: pair.PeerName}
	if err := nlh.LinkAdd(veth); err != nil {
		return VethPair{}, nlError("add veth", pair.HostName, err)
	}
	host, err := lookup(nlh, pair.HostName)
	if err != nil {
		return VethPair{}, err
	}
	peer, err := lookup(nlh, pair.PeerName)
	if err != nil {
		if b.strict {
			rollback(ctx, nlh, host)
		}
		return VethPair{}, err
	}
	pair.HostIndex = host.Attrs().Index
	pair.PeerIndex = peer.Attrs().Index

	err = b.runSteps(ctx, pair.HostName, []step{
		{"set up", func() error { return nlh.LinkSetUp(host) }},
		{"add address " + hostNet.String(), func() error { return nlh.AddrAdd(host, &netlink.Addr{IPNet: hostNet}) }},
		{"add peer address " + peerNet.String(), func() error { return nlh.AddrAdd(peer, &netlink.Addr{IPNet: peerNet}) }},
		{"set peer up", func() error { return nlh.LinkSetUp(peer) }},
	})
	if err != nil {
		rollback(ctx, nlh, host)
		return VethPair{}, err
	}

	log.G(ctx).WithFields(log.Fields{
		"veth":      pair.HostName,
		"index":     pair.HostIndex,
		"peer":      pair.PeerName,
		"peerIndex": pair.PeerIndex,
	}).Debug("created veth pair")
	return pair, nil
}

// AttachToBridge enslaves the interface ifIndex to the bridge bridgeIndex.
func (b *Builder) AttachToBridge(ctx context.Context, ifIndex, bridgeIndex int) error {
	nlh, err := b.handle()
	if err != nil {
		return err
	}
	defer nlh.Close()

	link, err := nlh.LinkByIndex(ifIndex)
	if err != nil {
		return nlError("lookup", strconv.Itoa(ifIndex), err)
	}
	br, err := nlh.LinkByIndex(bridgeIndex)
	if err != nil {
		return nlError("lookup", strconv.Itoa(bridgeIndex), err)
	}
	if err := nlh.LinkSetMaster(link, br); err != nil {
		return nlError("set master "+br.Attrs().Name, link.Attrs().Name, err)
	}
	log.G(ctx).Debugf("attached %s to bridge %s", link.Attrs().Name, br.Attrs().Name)
	return nil
}

// MoveToNamespace moves the interface index into the network namespace
// designated by target. Once moved, the interface can no longer be
// reached from the caller's namespace.
func (b *Builder) MoveToNamespace(ctx context.Context, index int, target Target) error {
	_, span := startSpan(ctx, "MoveToNamespace", attribute.Int("index", index), attribute.String("target", target.String()))
	defer span.End()

	if !target.valid() {
		return &errdefs.NetworkError{Op: "set netns", Link: strconv.Itoa(index), Err: errdefs.InvalidParameter(errors.New("no target namespace"))}
	}
	nlh, err := b.handle()
	if err != nil {
		return err
	}
	defer nlh.Close()

	link, err := nlh.LinkByIndex(index)
	if err != nil {
		return nlError("lookup", strconv.Itoa(index), err)
	}
	switch target.kind {
	case targetPID:
		err = nlh.LinkSetNsPid(link, target.id)
	case targetFD:
		err = nlh.LinkSetNsFd(link, target.id)
	case targetPath:
		var ns netns.NsHandle
		if ns, err = netns.GetFromPath(target.path); err == nil {
			err = nlh.LinkSetNsFd(link, int(ns))
			ns.Close()
		}
	}
	if err != nil {
		return nlError("set netns "+target.String(), link.Attrs().Name, err)
	}
	log.G(ctx).Debugf("moved %s to %s", link.Attrs().Name, target)
	return nil
}

// LinkIndex returns the index of the interface called name.
func (b *Builder) LinkIndex(ctx context.Context, name string) (int, error) {
	nlh, err := b.handle()
	if err != nil {
		return 0, err
	}
	defer nlh.Close()

	link, err := lookup(nlh, name)
	if err != nil {
		return 0, err
	}
	return link.Attrs().Index, nil
}

// DeleteLink deletes the interface called name. Deleting either end of a
// veth pair deletes both.
func (b *Builder) DeleteLink(ctx context.Context, name string) error {
	nlh, err := b.handle()
	if err != nil {
		return err
	}
	defer nlh.Close()

	link, err := lookup(nlh, name)
	if err != nil {
		return err
	}
	if err := nlh.LinkDel(link); err != nil {
		return nlError("delete", name, err)
	}
	log.G(ctx).Debugf("deleted %s", name)
	return nil
}

// ConfigurePeerInterface assigns address/prefixLen to the interface index,
// brings it up, and brings "lo" up. It is meant to run from inside the
// namespace the interface was moved to; see [PeerConfigurator] for a way
// to do the same by name, optionally through the ip(8) command.
func (b *Builder) ConfigurePeerInterface(ctx context.Context, index int, address string, prefixLen int) error {
	nlh, err := b.handle()
	if err != nil {
		return err
	}
	defer nlh.Close()

	link, err := nlh.LinkByIndex(index)
	if err != nil {
		return nlError("lookup", strconv.Itoa(index), err)
	}
	return configureLink(ctx, nlh, link, PeerConfig{Address: address, PrefixLen: prefixLen})
}
