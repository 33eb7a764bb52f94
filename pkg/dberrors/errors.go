package dberrors

import "errors"

// Planning failures are fatal: retrying cannot fix missing data or capacity.
var (
	ErrNoUsableHead                 = errors.New("memlog: no usable log head")
	ErrInsufficientRecoveryCapacity = errors.New("memlog: insufficient recovery capacity")
)

// Dispatch failures are absorbed by the coordinator.
var (
	ErrTransientUnavailable = errors.New("memlog: backup temporarily unavailable")
	ErrNotFound             = errors.New("memlog: not found")
)

var (
	ErrIncompleteLog      = errors.New("memlog: incomplete log")
	ErrAborted            = errors.New("memlog: recovery aborted")
	ErrRecoveryInProgress = errors.New("memlog: recovery in progress")
	ErrUnknownRecovery    = errors.New("memlog: unknown recovery")
	ErrInvalidArgument    = errors.New("memlog: invalid argument")
	ErrClosed             = errors.New("memlog: closed")
)
