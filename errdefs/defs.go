// Package errdefs defines the error categories used throughout nsnet.
//
// Errors are classified by the interface they implement rather than by
// their concrete type. The interfaces match the ones recognised by
// github.com/containerd/errdefs, so callers can use either package's
// Is* helpers to inspect an error.
package errdefs

// ErrNotFound signals that the requested object doesn't exist.
type ErrNotFound interface {
	NotFound()
}

// ErrInvalidParameter signals that the user input is invalid.
type ErrInvalidParameter interface {
	InvalidParameter()
}

// ErrAlreadyExists signals that an object with the same name is already
// present on the host.
type ErrAlreadyExists interface {
	AlreadyExists()
}

// ErrConflict signals that some internal state conflicts with the requested action.
type ErrConflict interface {
	Conflict()
}

// ErrForbidden signals that the requested action cannot be performed under
// any circumstances, usually because of missing privileges.
type ErrForbidden interface {
	Forbidden()
}

// ErrSystem signals that some internal error occurred.
type ErrSystem interface {
	System()
}
