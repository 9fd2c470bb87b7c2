package process

import (
	"fmt"
	"os"
	"strconv"

	"github.com/cockroachdb/errors"
	"gitlab.com/stephen-fox/heapkit/memory"
)

// AttachOrExit calls Attach. It calls DefaultExitFn if an error occurs.
func AttachOrExit(pid int, optPlatform *memory.Platform) *Memory {
	m, err := Attach(pid, optPlatform)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to attach to process %d - %w", pid, err))
	}
	return m
}

// Attach returns a *Memory that reads the memory of the process
// identified by pid. The process is neither stopped nor modified.
//
// If optPlatform is nil, the platform is detected from the
// ELF header of /proc/<pid>/exe.
func Attach(pid int, optPlatform *memory.Platform) (*Memory, error) {
	if pid <= 0 {
		return nil, errors.Newf("invalid pid: %d", pid)
	}

	procDir := "/proc/" + strconv.Itoa(pid)

	_, err := os.Stat(procDir)
	if err != nil {
		return nil, errors.Wrapf(err, "process %d does not exist", pid)
	}

	var platform memory.Platform
	if optPlatform != nil {
		platform = *optPlatform
	} else {
		platform, err = detectPlatform(procDir + "/exe")
		if err != nil {
			return nil, err
		}
	}

	return &Memory{
		pid:      pid,
		procDir:  procDir,
		platform: platform,
	}, nil
}

func detectPlatform(exePath string) (memory.Platform, error) {
	f, err := os.Open(exePath)
	if err != nil {
		return memory.Platform{}, errors.Wrapf(err, "failed to open %q", exePath)
	}
	defer f.Close()

	return memory.PlatformForELF(f)
}

// Memory is a memory.Reader, memory.PartialReader, and memory.Mapper
// for a live process.
//
// No snapshot is taken. Each read reflects the state of the target
// at the time of the read, so a running target may change between
// reads.
type Memory struct {
	pid      int
	procDir  string
	platform memory.Platform
}

// PID returns the target process' ID.
func (o *Memory) PID() int {
	return o.pid
}

// Platform implements memory.Reader.
func (o *Memory) Platform() memory.Platform {
	return o.platform
}

// Mappings implements memory.Mapper by parsing /proc/<pid>/maps.
func (o *Memory) Mappings() ([]memory.Mapping, error) {
	f, err := os.Open(o.procDir + "/maps")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open maps for process %d", o.pid)
	}
	defer f.Close()

	return ParseMaps(f)
}

// ReadAt implements memory.Reader.
func (o *Memory) ReadAt(address uint64, length int) ([]byte, error) {
	b, err := o.read(address, length)
	if err != nil {
		return nil, memory.Unreadable(err, address, length)
	}

	if len(b) != length {
		return nil, memory.Unreadable(
			errors.Newf("short read of %d bytes", len(b)), address, length)
	}

	return b, nil
}

// ReadPartial implements memory.PartialReader.
func (o *Memory) ReadPartial(address uint64, length int) ([]byte, error) {
	b, err := o.read(address, length)
	if err != nil || (len(b) == 0 && length > 0) {
		return nil, memory.Unreadable(err, address, length)
	}

	return b, nil
}
