package memory

import (
	"log"

	"github.com/cockroachdb/errors"
)

var (
	// DefaultExitFn is invoked by functions and methods ending in
	// the "OrExit" suffix when an error occurs.
	DefaultExitFn = func(err error) {
		log.Fatalln(err)
	}
)

// ErrUnreadable marks every error produced when a Reader fails to
// return the requested bytes. This happens when the target is not
// running, the address is unmapped, or the read is denied.
//
// Use errors.Is to test for it.
var ErrUnreadable = errors.New("memory is unreadable")

// Unreadable marks err as an ErrUnreadable error, adding the address
// and length of the failed read to its message.
func Unreadable(err error, address uint64, length int) error {
	if err == nil {
		err = errors.New("short read")
	}

	return errors.Mark(
		errors.Wrapf(err, "failed to read %d bytes at 0x%x", length, address),
		ErrUnreadable)
}
