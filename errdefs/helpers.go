package errdefs

import cerrdefs "github.com/containerd/errdefs"

type errNotFound struct{ error }

func (errNotFound) NotFound() {}

func (e errNotFound) Unwrap() error {
	return e.error
}

// NotFound creates an [ErrNotFound] error from the given error.
// It returns the error as-is if it is either nil (no error) or already
// categorised as not-found.
func NotFound(err error) error {
	if err == nil || cerrdefs.IsNotFound(err) {
		return err
	}
	return errNotFound{err}
}

type errInvalidParameter struct{ error }

func (errInvalidParameter) InvalidParameter() {}

func (e errInvalidParameter) Unwrap() error {
	return e.error
}

// InvalidParameter creates an [ErrInvalidParameter] error from the given error.
func InvalidParameter(err error) error {
	if err == nil || cerrdefs.IsInvalidArgument(err) {
		return err
	}
	return errInvalidParameter{err}
}

type errAlreadyExists struct{ error }

func (errAlreadyExists) AlreadyExists() {}

func (e errAlreadyExists) Unwrap() error {
	return e.error
}

// AlreadyExists creates an [ErrAlreadyExists] error from the given error.
func AlreadyExists(err error) error {
	if err == nil || cerrdefs.IsAlreadyExists(err) {
		return err
	}
	return errAlreadyExists{err}
}

type errConflict struct{ error }

func (errConflict) Conflict() {}

func (e errConflict) Unwrap() error {
	return e.error
}

// Conflict creates an [ErrConflict] error from the given error.
func Conflict(err error) error {
	if err == nil || cerrdefs.IsConflict(err) {
		return err
	}
	return errConflict{err}
}

type errForbidden struct{ error }

func (errForbidden) Forbidden() {}

func (e errForbidden) Unwrap() error {
	return e.error
}

// Forbidden creates an [ErrForbidden] error from the given error.
func Forbidden(err error) error {
	if err == nil || cerrdefs.IsPermissionDenied(err) {
		return err
	}
	return errForbidden{err}
}

type errSystem struct{ error }

func (errSystem) System() {}

func (e errSystem) Unwrap() error {
	return e.error
}

// System creates an [ErrSystem] error from the given error.
func System(err error) error {
	if err == nil || cerrdefs.IsInternal(err) {
		return err
	}
	return errSystem{err}
}
