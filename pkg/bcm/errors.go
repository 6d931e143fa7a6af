package bcm

import "errors"

var (
	ErrInvalidArgument = errors.New("bcm: invalid argument")
	ErrNotFound        = errors.New("bcm: operation not found")
	ErrNotBound        = errors.New("bcm: socket not bound")
	ErrNoDevice        = errors.New("bcm: no device")
	ErrOutOfMemory     = errors.New("bcm: out of memory")
	ErrTooLarge        = errors.New("bcm: nframes grew beyond the initial allocation")
	ErrAlreadyBound    = errors.New("bcm: socket already bound")
)
