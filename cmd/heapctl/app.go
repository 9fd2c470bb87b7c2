package main

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/mattn/go-colorable"
	"github.com/spf13/cobra"
	"gitlab.com/stephen-fox/heapkit/heapview"
	"gitlab.com/stephen-fox/heapkit/libc/glibckit"
)

// app holds the state shared by every command of one heapctl
// invocation, or of one interactive shell.
type app struct {
	stdout io.Writer
	stderr io.Writer

	opts       options
	configPath string
	verbose    bool

	logger *slog.Logger
	target *target

	// queryMu serializes queries. The relay may query the target
	// while the shell does.
	queryMu sync.Mutex

	// server is set while the shell is relaying snapshots.
	server *heapview.Server
}

func newApp(stdout io.Writer, stderr io.Writer) *app {
	return &app{
		stdout: stdout,
		stderr: stderr,
		opts: options{
			Glibc:       glibckit.DefaultVersion,
			SafeLinking: safeLinkingAuto,
			Listen:      defaultListen,
		},
		logger: slog.New(slog.NewTextHandler(stderr, nil)),
	}
}

func (o *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "heapctl",
		Short: "Reconstruct and inspect glibc heap state",
		Long: `heapctl reads the memory of a live process, an ELF core file, or a raw
memory dump and reconstructs the state of the glibc malloc allocator:
chunks, bins, arenas, and the thread cache.

Examples:
  heapctl --pid 1234 bins
  heapctl --core core.1234 --heap 0x555555559000 vis 20
  heapctl --raw heap.bin --raw-base 0x555555559000 --heap 0x555555559000 --arena 0x7ffff7e19c80 chunk 0x555555559290`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: o.setup,
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return o.close()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&o.configPath, "config", "c", "", "YAML config file")
	flags.BoolVarP(&o.verbose, "verbose", "v", false, "Log debug messages and show empty bins")
	flags.IntVarP(&o.opts.PID, "pid", "p", 0, "Read the memory of this process")
	flags.StringVar(&o.opts.Core, "core", "", "Read an ELF core file")
	flags.StringVar(&o.opts.Raw, "raw", "", "Read a raw memory dump")
	flags.Var(&o.opts.RawBase, "raw-base", "Address of the first byte of the raw dump")
	flags.StringVar(&o.opts.Arch, "arch", "", "Target platform (x86_64, x86_32, arm). Detected when possible")
	flags.StringVar(&o.opts.Glibc, "glibc", o.opts.Glibc, "Target glibc version")
	flags.Var(&o.opts.Arena, "arena", "Address of main_arena. Searched for when unset")
	flags.Var(&o.opts.Tcache, "tcache", "Address of the tcache_perthread_struct")
	flags.Var(&o.opts.Heap, "heap", "Start of the heap region. Uses [heap] when unset")
	flags.StringVar(&o.opts.SafeLinking, "safe-linking", o.opts.SafeLinking, "Safe linking mode (auto, on, off)")
	flags.IntVar(&o.opts.StepCap, "step-cap", 0, "Maximum number of steps of a list walk")
	flags.StringVar(&o.opts.Listen, "listen", o.opts.Listen, "Address the snapshot relay listens on")
	flags.BoolVar(&o.opts.NoColor, "no-color", false, "Disable colored output")

	for _, cmd := range o.queryCmds() {
		root.AddCommand(withTarget(cmd))
	}
	root.AddCommand(withTarget(o.serveCmd()), withTarget(o.shellCmd()))

	return root
}

// needsTarget is the annotation of commands that read target memory.
const needsTarget = "heapctl/target"

func withTarget(cmd *cobra.Command) *cobra.Command {
	if cmd.Annotations == nil {
		cmd.Annotations = make(map[string]string)
	}
	cmd.Annotations[needsTarget] = "true"
	return cmd
}

func (o *app) setup(cmd *cobra.Command, _ []string) error {
	if o.target != nil || cmd.Annotations[needsTarget] == "" {
		return nil
	}

	if o.configPath != "" {
		file, err := loadOptionsFile(o.configPath)
		if err != nil {
			return err
		}
		o.opts.merge(file, cmd.Flags().Changed)
	}

	level := slog.LevelInfo
	if o.verbose {
		level = slog.LevelDebug
	}
	o.logger = slog.New(slog.NewTextHandler(o.stderr, &slog.HandlerOptions{Level: level}))

	if o.opts.NoColor {
		o.stdout = colorable.NewNonColorable(o.stdout)
	}

	err := o.opts.validate()
	if err != nil {
		return err
	}

	o.target, err = openTarget(o.opts, o.logger)
	return err
}

func (o *app) close() error {
	if o.target == nil {
		return nil
	}

	t := o.target
	o.target = nil

	return t.close()
}

// heap returns a Heap for a single query.
func (o *app) heap() (*glibckit.Heap, error) {
	if o.target == nil {
		return nil, errors.New("no target is open")
	}

	err := o.target.checkRunning()
	if err != nil {
		return nil, err
	}

	layout, err := glibckit.LayoutFor(o.target.reader.Platform(), o.opts.Glibc)
	if err != nil {
		return nil, err
	}

	switch o.opts.SafeLinking {
	case safeLinkingOn:
		layout.SafeLinking = true
	case safeLinkingOff:
		layout.SafeLinking = false
	}

	return glibckit.NewHeap(o.target.reader, glibckit.Config{
		Layout:        layout,
		OptArenaAddr:  uint64(o.opts.Arena),
		OptTcacheAddr: uint64(o.opts.Tcache),
		OptHeapAddr:   uint64(o.opts.Heap),
		StepCap:       o.opts.StepCap,
		OptLogger:     o.logger,
	})
}

func (o *app) text(h *glibckit.Heap) heapview.Text {
	return heapview.Text{
		Layout:  h.Layout(),
		Styles:  heapview.NewStyles(o.stdout, o.opts.NoColor),
		Verbose: o.verbose,
	}
}

func (o *app) snapshot() (*heapview.Snapshot, error) {
	o.queryMu.Lock()
	defer o.queryMu.Unlock()

	h, err := o.heap()
	if err != nil {
		return nil, err
	}

	return heapview.BuildSnapshot(h, heapview.SnapshotConfig{})
}

// query adapts fn to a cobra RunE function. fn receives a fresh
// Heap. Errors meaning there is nothing to show are printed rather
// than returned.
func (o *app) query(fn func(h *glibckit.Heap, text heapview.Text, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		o.queryMu.Lock()
		defer o.queryMu.Unlock()

		h, err := o.heap()
		if err != nil {
			return err
		}

		text := o.text(h)

		err = fn(h, text, args)
		if errors.Is(err, glibckit.ErrNotFound) {
			fmt.Fprintln(o.stdout, text.Styles.Hint.Render("nothing to show: "+err.Error()))
			return nil
		}

		return err
	}
}
