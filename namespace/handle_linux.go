package namespace

import "github.com/vishvananda/netns"

// Handle is an open reference to a named network namespace. It is owned
// by the process that opened it and must be closed after use.
type Handle struct {
	name string
	ns   netns.NsHandle
}

// Name returns the name of the namespace the handle refers to.
func (h *Handle) Name() string {
	return h.name
}

// Fd returns the file descriptor of the namespace, or -1 once closed.
func (h *Handle) Fd() int {
	return int(h.ns)
}

// Close releases the file descriptor. Closing a closed handle is a no-op.
func (h *Handle) Close() error {
	if !h.ns.IsOpen() {
		return nil
	}
	return h.ns.Close()
}
