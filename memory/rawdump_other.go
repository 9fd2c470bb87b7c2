//go:build !unix

package memory

import (
	"os"

	"github.com/cockroachdb/errors"
)

// MapRawDump reads the entire file when mmap is not available.
func MapRawDump(path string, base uint64, platform Platform) (*Image, func() error, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to read raw dump %q", path)
	}

	img := NewImage(platform)
	err = img.AddMapping(Mapping{
		Start: base,
		End:   base + uint64(len(data)),
		Perms: "r--p",
		Name:  path,
	}, data)
	if err != nil {
		return nil, nil, err
	}

	return img, func() error { return nil }, nil
}
