package dberrors

import "errors"

var (
	ErrClosed          = errors.New("mergedb: closed")
	ErrInvalidArgument = errors.New("mergedb: invalid argument")
	ErrIO              = errors.New("mergedb: io error")
	ErrCorruption      = errors.New("mergedb: corruption")
	// ErrMergeFailed is returned when the merge operator refuses to fold a
	// chain of operands, e.g. because an operand is malformed.
	ErrMergeFailed = errors.New("mergedb: merge failed")
)
