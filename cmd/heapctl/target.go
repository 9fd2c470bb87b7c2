package main

import (
	"fmt"
	"log/slog"

	"github.com/cockroachdb/errors"
	"gitlab.com/stephen-fox/heapkit/memory"
	"gitlab.com/stephen-fox/heapkit/process"
)

// target is an open memory source.
type target struct {
	reader memory.Reader
	desc   string

	// optRunning reports whether a live target can still be read.
	// It is nil for static sources.
	optRunning func() bool

	close func() error
}

func openTarget(opts options, logger *slog.Logger) (*target, error) {
	var optPlatform *memory.Platform
	if opts.Arch != "" {
		p, err := memory.ParsePlatform(opts.Arch)
		if err != nil {
			return nil, err
		}
		optPlatform = &p
	}

	switch {
	case opts.PID != 0:
		proc, err := process.Attach(opts.PID, optPlatform)
		if err != nil {
			return nil, err
		}

		logger.Debug("attached to process", "pid", opts.PID, "arch", string(proc.Platform().Arch))

		return &target{
			reader:     proc,
			desc:       fmt.Sprintf("process %d", opts.PID),
			optRunning: proc.IsRunning,
			close:      func() error { return nil },
		}, nil
	case opts.Core != "":
		img, err := memory.OpenCore(opts.Core)
		if err != nil {
			return nil, err
		}

		logger.Debug("opened core file", "path", opts.Core, "arch", string(img.Platform().Arch))

		return &target{
			reader: img,
			desc:   "core " + opts.Core,
			close:  func() error { return nil },
		}, nil
	case opts.Raw != "":
		if opts.RawBase == 0 {
			return nil, errors.New("a raw dump requires --raw-base")
		}

		platform := memory.X86_64()
		if optPlatform != nil {
			platform = *optPlatform
		}

		img, unmap, err := memory.MapRawDump(opts.Raw, uint64(opts.RawBase), platform)
		if err != nil {
			return nil, err
		}

		logger.Debug("mapped raw dump", "path", opts.Raw, "base", opts.RawBase.String())

		return &target{
			reader: img,
			desc:   "raw dump " + opts.Raw,
			close:  unmap,
		}, nil
	default:
		return nil, errors.New("no target specified")
	}
}

func (o *target) checkRunning() error {
	if o.optRunning != nil && !o.optRunning() {
		return errors.Mark(errors.New("target is not running"), memory.ErrUnreadable)
	}
	return nil
}
