package topology

import "strconv"

type targetKind uint8

const (
	targetNone targetKind = iota
	targetPID
	targetFD
	targetPath
)

// Target designates a network namespace through a process living in it,
// an open namespace file descriptor, or the path of a namespace file.
type Target struct {
	kind targetKind
	id   int
	path string
}

// PIDTarget designates the network namespace of process pid.
func PIDTarget(pid int) Target {
	return Target{kind: targetPID, id: pid}
}

// FDTarget designates the network namespace referenced by fd.
func FDTarget(fd int) Target {
	return Target{kind: targetFD, id: fd}
}

// PathTarget designates the network namespace bind-mounted at path.
func PathTarget(path string) Target {
	return Target{kind: targetPath, path: path}
}

func (t Target) valid() bool {
	switch t.kind {
	case targetPID, targetFD:
		return t.id >= 0
	case targetPath:
		return t.path != ""
	default:
		return false
	}
}

func (t Target) String() string {
	switch t.kind {
	case targetPID:
		return "pid:" + strconv.Itoa(t.id)
	case targetFD:
		return "fd:" + strconv.Itoa(t.id)
	case targetPath:
		return "path:" + t.path
	default:
		return "none"
	}
}
