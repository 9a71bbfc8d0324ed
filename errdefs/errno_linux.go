package errdefs

import (
	"errors"

	"golang.org/x/sys/unix"
)

// FromErrno categorises err by the errno it carries. Errors without an
// errno, or with one that has no obvious category, become [ErrSystem].
func FromErrno(err error) error {
	if err == nil {
		return nil
	}
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return System(err)
	}
	switch errno {
	case unix.ENOENT, unix.ENODEV:
		return NotFound(err)
	case unix.EEXIST:
		return AlreadyExists(err)
	case unix.EPERM, unix.EACCES:
		return Forbidden(err)
	case unix.EBADF, unix.EINVAL:
		return InvalidParameter(err)
	case unix.EBUSY:
		return Conflict(err)
	default:
		return System(err)
	}
}
