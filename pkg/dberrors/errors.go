package dberrors

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument = errors.New("xpdb: invalid argument")
	ErrInvalidPath     = errors.New("xpdb: invalid path")
	ErrIO              = errors.New("xpdb: io error")
	ErrClosed          = errors.New("xpdb: closed")

	// ErrCorruption is reported for checksum or format failures. It matches
	// ErrIO as well.
	ErrCorruption = fmt.Errorf("%w: corruption", ErrIO)
)

// IO marks err as an I/O failure unless it is already classified.
func IO(err error) error {
	if err == nil || errors.Is(err, ErrIO) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrIO, err)
}

// Corruptf formats a corruption error.
func Corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruption, fmt.Sprintf(format, args...))
}
