package nsexec

import (
	"errors"
	"os"
	"sort"
	"syscall"

	"github.com/moby/nsnet/errdefs"
	"github.com/moby/sys/signal"
)

// ClassifyExit turns the status of a reaped configuring child into an
// error: nil for a zero exit status, a [*errdefs.NamespaceError] carrying
// the exit code or the terminating signal otherwise.
func ClassifyExit(state *os.ProcessState) error {
	if state == nil {
		return &errdefs.NamespaceError{Op: "wait", Err: errdefs.System(errors.New("child status not available"))}
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		return &errdefs.NamespaceError{Op: "wait", Err: errdefs.System(errors.New("unknown child status"))}
	}
	switch {
	case ws.Exited():
		if ws.ExitStatus() == 0 {
			return nil
		}
		return &errdefs.NamespaceError{Op: "configure", Code: ws.ExitStatus()}
	case ws.Signaled():
		return &errdefs.NamespaceError{Op: "configure", Signal: ws.Signal(), SignalName: signalName(ws.Signal())}
	default:
		return &errdefs.NamespaceError{Op: "wait", Err: errdefs.System(errors.New("unknown child status"))}
	}
}

// signalName returns the symbolic name of sig, such as "SIGTERM". Where a
// signal has aliases the alphabetically first name is used.
func signalName(sig syscall.Signal) string {
	var names []string
	for name, s := range signal.SignalMap {
		if s == sig {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return "SIG" + names[0]
}
