package errdefs

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// NamespaceError reports a failure to create, open, enter or unshare a
// namespace, to (re)mount inside it, or the abnormal termination of the
// child process that configures it.
type NamespaceError struct {
	Op   string // operation, e.g. "create", "enter", "wait"
	Name string // namespace name, if known

	// Code is the exit code of the configuring child, if it exited non-zero.
	Code int
	// Signal is the signal that terminated the configuring child, if any.
	Signal syscall.Signal
	// SignalName is the symbolic name of Signal (e.g. "SIGTERM").
	SignalName string

	Err error
}

func (e *NamespaceError) Error() string {
	var b strings.Builder
	b.WriteString("namespace ")
	b.WriteString(e.Op)
	if e.Name != "" {
		fmt.Fprintf(&b, " %q", e.Name)
	}
	switch {
	case e.Signal != 0:
		name := e.SignalName
		if name == "" {
			name = e.Signal.String()
		}
		fmt.Fprintf(&b, ": child killed by signal %s (%d)", name, int(e.Signal))
	case e.Code != 0:
		fmt.Fprintf(&b, ": child exited with status %d", e.Code)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *NamespaceError) Unwrap() error {
	return e.Err
}

// NetworkError reports a failed netlink request, including a link that
// could not be found by name.
type NetworkError struct {
	Op   string // operation, e.g. "add bridge", "set up"
	Link string // interface name or index
	Err  error
}

func (e *NetworkError) Error() string {
	if e.Link == "" {
		return fmt.Sprintf("network %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("network %s %s: %v", e.Op, e.Link, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsNamespaceError returns true if err is, or wraps, a [*NamespaceError].
func IsNamespaceError(err error) bool {
	var nsErr *NamespaceError
	return errors.As(err, &nsErr)
}

// IsNetworkError returns true if err is, or wraps, a [*NetworkError].
func IsNetworkError(err error) bool {
	var nwErr *NetworkError
	return errors.As(err, &nwErr)
}
