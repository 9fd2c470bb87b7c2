package glibckit

import (
	"github.com/cockroachdb/errors"
	"gitlab.com/stephen-fox/heapkit/memory"
)

// FakeFastConfig configures FindFakeFast.
type FakeFastConfig struct {
	// OptMaxFast overrides global_max_fast. Zero selects
	// Layout.DefaultMaxFast.
	OptMaxFast uint64

	// Unaligned scans every byte offset of the window instead of
	// only pointer-aligned addresses.
	Unaligned bool
}

// FindFakeFast searches the window of global_max_fast bytes that
// precedes target for values that would pass as the size field of
// a fastbin chunk of the same size class as size. Each match is
// returned as a Chunk flagged Fake, whose header starts one pointer
// before the matching value.
//
// Such chunks overlap target, which is what fastbin dup and house
// of spirit techniques rely on.
func FindFakeFast(d Decoder, target uint64, size uint64, config FakeFastConfig) ([]Chunk, error) {
	layout := d.Layout()
	ptr := layout.PtrSize()

	maxFast := config.OptMaxFast
	if maxFast == 0 {
		maxFast = layout.DefaultMaxFast()
	}

	wantIndex := layout.FastbinIndex(size)
	if wantIndex < 0 || wantIndex >= NumFastbins {
		return nil, errors.Newf("0x%x is not a fastbin size", size)
	}

	start := uint64(0)
	if target > maxFast {
		start = target - maxFast
	}

	step := ptr
	if config.Unaligned {
		step = 1
	} else {
		start &^= ptr - 1
	}

	window, err := memory.ReadPartial(d.Reader(), start, int(target-start))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read scan window at 0x%x", start)
	}

	var fakes []Chunk
	for off := uint64(0); off+ptr <= uint64(len(window)); off += step {
		value := layout.Platform.Uint(window[off:])

		if layout.FastbinIndex(value) != wantIndex {
			continue
		}

		if start+off < ptr {
			continue
		}
		addr := start + off - ptr

		c, err := d.Decode(addr)
		if err != nil {
			c = Chunk{
				Address: addr,
				Size:    value,
			}
		}
		c.Fake = true

		fakes = append(fakes, c)
	}

	return fakes, nil
}
