//go:build linux

package process

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

func (o *Memory) read(address uint64, length int) ([]byte, error) {
	if length <= 0 {
		return []byte{}, nil
	}

	buf := make([]byte, length)

	local := []unix.Iovec{{Base: &buf[0]}}
	local[0].SetLen(length)

	remote := []unix.RemoteIovec{{
		Base: uintptr(address),
		Len:  length,
	}}

	n, err := unix.ProcessVMReadv(o.pid, local, remote, 0)
	if err != nil {
		return nil, errors.Wrap(err, "process_vm_readv failed")
	}

	return buf[:n], nil
}

// IsRunning returns true if the process still exists. A stopped
// (traced) process is still considered running.
func (o *Memory) IsRunning() bool {
	return unix.Kill(o.pid, 0) == nil
}
