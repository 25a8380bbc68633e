package store

import "xpdb/pkg/dberrors"

// Re-exported so callers need only this package.
var (
	ErrInvalidArgument = dberrors.ErrInvalidArgument
	ErrInvalidPath     = dberrors.ErrInvalidPath
	ErrIO              = dberrors.ErrIO
	ErrCorruption      = dberrors.ErrCorruption
	ErrClosed          = dberrors.ErrClosed
)
