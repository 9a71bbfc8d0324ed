package topology

import (
	"fmt"
	"slices"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// fakeHandle is an in-memory netlink handle. Requests named in fail
// return the associated error.
type fakeHandle struct {
	links  map[string]netlink.Link
	addrs  map[string][]string
	up     map[string]bool
	master map[string]string
	netns  map[string]string
	routes []*netlink.Route
	calls  []string
	fail   map[string]error
	next   int
	closed int
}

func newFakeHandle() *fakeHandle {
	h := &fakeHandle{
		links:  map[string]netlink.Link{},
		addrs:  map[string][]string{},
		up:     map[string]bool{},
		master: map[string]string{},
		netns:  map[string]string{},
		fail:   map[string]error{},
		next:   1,
	}
	h.add(&netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: "lo"}})
	return h
}

func (h *fakeHandle) factory() func() (Handle, error) {
	return func() (Handle, error) { return h, nil }
}

func (h *fakeHandle) add(l netlink.Link) {
	l.Attrs().Index = h.next
	h.next++
	h.links[l.Attrs().Name] = l
}

func (h *fakeHandle) call(op, name string) error {
	h.calls = append(h.calls, op+" "+name)
	if err, ok := h.fail[op+" "+name]; ok {
		return err
	}
	return nil
}

func (h *fakeHandle) LinkAdd(l netlink.Link) error {
	name := l.Attrs().Name
	if err := h.call("LinkAdd", name); err != nil {
		return err
	}
	if _, ok := h.links[name]; ok {
		return unix.EEXIST
	}
	h.add(l)
	if v, ok := l.(*netlink.Veth); ok {
		h.add(&netlink.Veth{LinkAttrs: netlink.LinkAttrs{Name: v.PeerName}, PeerName: name})
	}
	return nil
}

func (h *fakeHandle) LinkDel(l netlink.Link) error {
	name := l.Attrs().Name
	if err := h.call("LinkDel", name); err != nil {
		return err
	}
	delete(h.links, name)
	if v, ok := l.(*netlink.Veth); ok {
		delete(h.links, v.PeerName)
	}
	return nil
}

func (h *fakeHandle) LinkByName(name string) (netlink.Link, error) {
	if err := h.call("LinkByName", name); err != nil {
		return nil, err
	}
	l, ok := h.links[name]
	if !ok {
		return nil, unix.ENODEV
	}
	return l, nil
}

func (h *fakeHandle) LinkByIndex(index int) (netlink.Link, error) {
	for _, l := range h.links {
		if l.Attrs().Index == index {
			return l, nil
		}
	}
	return nil, unix.ENODEV
}

func (h *fakeHandle) LinkSetUp(l netlink.Link) error {
	if err := h.call("LinkSetUp", l.Attrs().Name); err != nil {
		return err
	}
	h.up[l.Attrs().Name] = true
	return nil
}

func (h *fakeHandle) LinkSetMaster(l, master netlink.Link) error {
	if err := h.call("LinkSetMaster", l.Attrs().Name); err != nil {
		return err
	}
	h.master[l.Attrs().Name] = master.Attrs().Name
	return nil
}

func (h *fakeHandle) LinkSetNsPid(l netlink.Link, pid int) error {
	return h.moveTo(l, fmt.Sprintf("pid:%d", pid))
}

func (h *fakeHandle) LinkSetNsFd(l netlink.Link, fd int) error {
	return h.moveTo(l, fmt.Sprintf("fd:%d", fd))
}

func (h *fakeHandle) moveTo(l netlink.Link, target string) error {
	if err := h.call("LinkSetNs", l.Attrs().Name); err != nil {
		return err
	}
	h.netns[l.Attrs().Name] = target
	delete(h.links, l.Attrs().Name)
	return nil
}

func (h *fakeHandle) AddrAdd(l netlink.Link, addr *netlink.Addr) error {
	if err := h.call("AddrAdd", l.Attrs().Name); err != nil {
		return err
	}
	if slices.Contains(h.addrs[l.Attrs().Name], addr.IPNet.String()) {
		return unix.EEXIST
	}
	h.addrs[l.Attrs().Name] = append(h.addrs[l.Attrs().Name], addr.IPNet.String())
	return nil
}

func (h *fakeHandle) RouteAdd(r *netlink.Route) error {
	if err := h.call("RouteAdd", r.Gw.String()); err != nil {
		return err
	}
	h.routes = append(h.routes, r)
	return nil
}

func (h *fakeHandle) Close() {
	h.closed++
}
