package nsexec

// State is the lifecycle state of a configuring child, as seen by the
// parent.
type State int

const (
	// Forking means the child is being started.
	Forking State = iota
	// ChildConfiguring means the child runs inside the namespace.
	ChildConfiguring
	// ChildExited means the child terminated and its status is being
	// collected.
	ChildExited
	// Reaped means the child's status was collected and classified.
	Reaped
)

func (s State) String() string {
	switch s {
	case Forking:
		return "forking"
	case ChildConfiguring:
		return "child-configuring"
	case ChildExited:
		return "child-exited"
	case Reaped:
		return "reaped"
	default:
		return "unknown"
	}
}
