//go:build !linux

package process

import "github.com/cockroachdb/errors"

func (o *Memory) read(address uint64, length int) ([]byte, error) {
	return nil, errors.New("reading process memory is only supported on linux")
}

// IsRunning always returns false on unsupported platforms.
func (o *Memory) IsRunning() bool {
	return false
}
