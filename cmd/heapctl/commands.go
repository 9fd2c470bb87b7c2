package main

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"gitlab.com/stephen-fox/heapkit/asmkit"
	"gitlab.com/stephen-fox/heapkit/heapview"
	"gitlab.com/stephen-fox/heapkit/libc/glibckit"
)

// queryCmds returns the commands that run one query against the
// target. They are shared by the command line and the shell.
func (o *app) queryCmds() []*cobra.Command {
	return []*cobra.Command{
		o.heapCmd(),
		o.binsCmd(),
		o.binKindCmd(glibckit.KindFast),
		o.binKindCmd(glibckit.KindTcache),
		o.binKindCmd(glibckit.KindUnsorted),
		o.binKindCmd(glibckit.KindSmall),
		o.binKindCmd(glibckit.KindLarge),
		o.arenaCmd(),
		o.arenasCmd(),
		o.topCmd(),
		o.chunkCmd(),
		o.findFakeFastCmd(),
		o.visCmd(),
		o.heapInfoCmd(),
		o.stateCmd(),
	}
}

func optAddressArg(args []string, i int) (uint64, error) {
	if len(args) <= i {
		return 0, nil
	}
	return parseAddress(args[i])
}

func (o *app) heapCmd() *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "heap [address]",
		Short: "List the chunks of the heap",
		Long: `List the chunks of the heap in address order, starting at the
first chunk or at address.`,
		Args: cobra.MaximumNArgs(1),
		RunE: o.query(func(h *glibckit.Heap, text heapview.Text, args []string) error {
			start, err := optAddressArg(args, 0)
			if err != nil {
				return err
			}

			region, err := h.Region()
			if err != nil {
				return err
			}
			text.Region(o.stdout, region)

			e, err := h.Chunks(start)
			if err != nil {
				return err
			}

			max := count
			if max <= 0 {
				max = h.StepCap()
			}

			chunks, err := e.All(max)
			for _, c := range chunks {
				text.Chunk(o.stdout, c)
			}

			return err
		}),
	}

	cmd.Flags().IntVarP(&count, "count", "n", 0, "Maximum number of chunks to list")

	return cmd
}

func (o *app) binsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bins [arena]",
		Short: "Show every bin of an arena",
		Long: `Show the tcache, fast, unsorted, small, and large bins of the main
arena, or of the arena at the given address. The tcache is only
shown for the main arena.`,
		Args: cobra.MaximumNArgs(1),
		RunE: o.query(func(h *glibckit.Heap, text heapview.Text, args []string) error {
			arena, err := optAddressArg(args, 0)
			if err != nil {
				return err
			}

			set, err := h.Bins(arena)
			if err != nil {
				return err
			}

			if set.TcacheErr != nil {
				o.logger.Warn("tcache is unavailable", "error", set.TcacheErr)
			} else if set.Tcache != nil {
				text.Bins(o.stdout, glibckit.KindTcache.String(), toBins(set.Tcache))
			}

			text.Bins(o.stdout, glibckit.KindFast.String(), toBins(set.Fast))
			text.Bins(o.stdout, glibckit.KindUnsorted.String(), []glibckit.Bin{set.Unsorted})
			text.Bins(o.stdout, glibckit.KindSmall.String(), toBins(set.Small))
			text.Bins(o.stdout, glibckit.KindLarge.String(), toBins(set.Large))

			return nil
		}),
	}
}

func (o *app) binKindCmd(kind glibckit.BinKind) *cobra.Command {
	use := kind.String()

	return &cobra.Command{
		Use:   use + " [arena]",
		Short: "Show the " + use + " of an arena",
		Args:  cobra.MaximumNArgs(1),
		RunE: o.query(func(h *glibckit.Heap, text heapview.Text, args []string) error {
			if kind == glibckit.KindTcache {
				if len(args) > 0 {
					return errors.New("the tcache can only be shown for the main thread")
				}

				bins, err := h.TcacheBins()
				if err != nil {
					return err
				}

				text.Bins(o.stdout, use, toBins(bins))
				return nil
			}

			addr, err := optAddressArg(args, 0)
			if err != nil {
				return err
			}

			arena, err := h.Arena(addr)
			if err != nil {
				return err
			}

			var bins []glibckit.Bin
			switch kind {
			case glibckit.KindFast:
				bins = toBins(h.Fastbins(arena))
			case glibckit.KindUnsorted:
				bins = []glibckit.Bin{h.UnsortedBin(arena)}
			case glibckit.KindSmall:
				bins = toBins(h.SmallBins(arena))
			case glibckit.KindLarge:
				bins = toBins(h.LargeBins(arena))
			}

			text.Bins(o.stdout, use, bins)
			return nil
		}),
	}
}

func toBins[T glibckit.Bin](bins []T) []glibckit.Bin {
	out := make([]glibckit.Bin, len(bins))
	for i, b := range bins {
		out[i] = b
	}
	return out
}

func (o *app) arenaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "arena [address]",
		Short: "Show the fields of an arena",
		Args:  cobra.MaximumNArgs(1),
		RunE: o.query(func(h *glibckit.Heap, text heapview.Text, args []string) error {
			addr, err := optAddressArg(args, 0)
			if err != nil {
				return err
			}

			arena, err := h.Arena(addr)
			if err != nil {
				return err
			}

			text.Arena(o.stdout, arena)
			return nil
		}),
	}
}

func (o *app) arenasCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "arenas",
		Short: "List every arena, main arena first",
		Args:  cobra.NoArgs,
		RunE: o.query(func(h *glibckit.Heap, text heapview.Text, _ []string) error {
			arenas, err := h.Arenas()
			for _, a := range arenas {
				fmt.Fprintf(o.stdout, "%s top: 0x%x\n",
					text.Styles.Address.Render(fmt.Sprintf("0x%x", a.Address)), a.Top)
			}
			return err
		}),
	}
}

func (o *app) topCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "top",
		Short: "Show the top chunk",
		Args:  cobra.NoArgs,
		RunE: o.query(func(h *glibckit.Heap, text heapview.Text, _ []string) error {
			top, err := h.Top()
			if err != nil {
				return err
			}

			c, err := h.Chunk(top)
			if err != nil {
				return err
			}

			text.Banner(o.stdout, glibckit.TopChunkLabel)
			text.Chunk(o.stdout, c)
			return nil
		}),
	}
}

func (o *app) chunkCmd() *cobra.Command {
	var fake bool
	var disasm bool
	var length int
	var syntax string

	cmd := &cobra.Command{
		Use:   "chunk <address>",
		Short: "Decode the chunk at address",
		Args:  cobra.ExactArgs(1),
		RunE: o.query(func(h *glibckit.Heap, text heapview.Text, args []string) error {
			addr, err := parseAddress(args[0])
			if err != nil {
				return err
			}

			c, err := h.Chunk(addr)
			if err != nil {
				return err
			}
			c.Fake = fake

			text.Chunk(o.stdout, c)

			if !disasm {
				return nil
			}

			layout := h.Layout()

			n := length
			if n <= 0 {
				if c.RealSize() <= 2*layout.PtrSize() {
					return errors.Newf("chunk 0x%x has no user data to disassemble", addr)
				}
				n = int(c.RealSize() - 2*layout.PtrSize())
			}

			s := asmkit.DisassemblySyntax(syntax)
			if s == asmkit.SkipSyntax {
				s = asmkit.DefaultSyntaxFor(layout.Platform)
			}

			insts, err := asmkit.DisassembleMemory(h.Decoder().Reader(), c.UserData(layout), n, s)
			text.Instructions(o.stdout, insts)
			return err
		}),
	}

	cmd.Flags().BoolVar(&fake, "fake", false, "Mark the chunk as fake")
	cmd.Flags().BoolVarP(&disasm, "disasm", "d", false, "Disassemble the chunk's user data")
	cmd.Flags().IntVar(&length, "length", 0, "Number of bytes to disassemble. Defaults to the user data size")
	cmd.Flags().StringVar(&syntax, "syntax", "", "Disassembly syntax (intel, att, go)")

	return cmd
}

func (o *app) findFakeFastCmd() *cobra.Command {
	var unaligned bool

	cmd := &cobra.Command{
		Use:   "find-fake-fast <target> <size>",
		Short: "Find fake fast chunks that overlap a target address",
		Long: `Search the global_max_fast bytes before target for values that would pass
as the size field of a fastbin chunk of the same size class as size.`,
		Args: cobra.ExactArgs(2),
		RunE: o.query(func(h *glibckit.Heap, text heapview.Text, args []string) error {
			addr, err := parseAddress(args[0])
			if err != nil {
				return err
			}

			size, err := parseAddress(args[1])
			if err != nil {
				return err
			}

			fakes, err := h.FindFakeFast(addr, size, unaligned)
			if err != nil {
				return err
			}

			text.FakeChunks(o.stdout, fakes)
			return nil
		}),
	}

	cmd.Flags().BoolVar(&unaligned, "unaligned", false, "Also consider unaligned size fields")

	return cmd
}

func (o *app) visCmd() *cobra.Command {
	var naive bool

	cmd := &cobra.Command{
		Use:   "vis [count] [address]",
		Short: "Visualize chunks as colored memory cells",
		Long: `Show count chunks (10 by default) starting at the first chunk of the
heap or at address. Cells are colored by the chunk they belong to
and labeled with the bins that reference them.`,
		Args: cobra.MaximumNArgs(2),
		RunE: o.query(func(h *glibckit.Heap, text heapview.Text, args []string) error {
			count := uint64(10)
			if len(args) > 0 {
				var err error
				count, err = parseAddress(args[0])
				if err != nil {
					return errors.Newf("invalid count %q", args[0])
				}
			}

			start, err := optAddressArg(args, 1)
			if err != nil {
				return err
			}

			grid, err := h.Grid(start, int(count), naive)
			if err != nil {
				return err
			}

			text.Grid(o.stdout, grid)
			return nil
		}),
	}

	cmd.Flags().BoolVar(&naive, "naive", false, "Do not stop at the top chunk")

	return cmd
}

func (o *app) heapInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "heapinfo <chunk>",
		Short: "Show the heap_info of a non-main arena chunk",
		Args:  cobra.ExactArgs(1),
		RunE: o.query(func(h *glibckit.Heap, text heapview.Text, args []string) error {
			addr, err := parseAddress(args[0])
			if err != nil {
				return err
			}

			info, err := h.HeapInfoFor(addr)
			if err != nil {
				return err
			}

			text.HeapInfo(o.stdout, info)
			return nil
		}),
	}
}

func (o *app) stateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Print a JSON snapshot of every bin and chunk",
		Args:  cobra.NoArgs,
		RunE: o.query(func(h *glibckit.Heap, _ heapview.Text, _ []string) error {
			s, err := heapview.BuildSnapshot(h, heapview.SnapshotConfig{})
			if err != nil {
				return err
			}

			raw, err := s.JSON()
			if err != nil {
				return err
			}

			fmt.Fprintf(o.stdout, "%s\n", raw)
			return nil
		}),
	}
}
