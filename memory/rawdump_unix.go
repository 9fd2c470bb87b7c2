//go:build unix

package memory

import (
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// MapRawDump memory-maps a file containing a raw copy of target
// memory (for example, the output of gdb's "dump memory") and
// exposes it as an *Image segment starting at base.
//
// The returned function unmaps the file. The *Image must not be
// used after calling it.
func MapRawDump(path string, base uint64, platform Platform) (*Image, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open raw dump %q", path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to stat %q", path)
	}

	size := info.Size()
	if size == 0 {
		return nil, nil, errors.Newf("raw dump %q is empty", path)
	}
	if size > int64(^uint(0)>>1) {
		return nil, nil, errors.Newf("raw dump %q is too large to map (%d bytes)", path, size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to mmap %q", path)
	}

	cleanup := func() error {
		err := unix.Munmap(data)
		if errors.Is(err, unix.EINVAL) {
			return nil
		}
		return err
	}

	img := NewImage(platform)
	err = img.AddMapping(Mapping{
		Start: base,
		End:   base + uint64(len(data)),
		Perms: "r--p",
		Name:  path,
	}, data)
	if err != nil {
		_ = cleanup()
		return nil, nil, err
	}

	return img, cleanup, nil
}
