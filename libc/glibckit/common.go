package glibckit

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

var (
	// ErrNotFound marks errors returned when a heap region, an
	// arena, or other allocator metadata cannot be located. Callers
	// should treat it as "nothing to show".
	ErrNotFound = errors.New("allocator metadata not found")

	// ErrInconsistent marks errors describing allocator structures
	// that violate one of their invariants, such as a misaligned
	// chunk size or a back link that does not point to the previous
	// chunk. Bin walks record this as a flag instead of returning it.
	ErrInconsistent = errors.New("allocator structure is inconsistent")
)

func notFound(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrNotFound)
}

func inconsistent(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrInconsistent)
}
