package heapview

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/inhies/go-bytesize"
	"gitlab.com/stephen-fox/heapkit/asmkit"
	"gitlab.com/stephen-fox/heapkit/libc/glibckit"
)

const (
	chainArrow = " —▸ "
	chainEnd   = " ◂— "
)

// NewStyles returns the styles used to render text for w. Colors
// are only emitted when w is a color capable terminal and noColor
// is false.
func NewStyles(w io.Writer, noColor bool) Styles {
	r := lipgloss.NewRenderer(w)

	if noColor {
		plain := r.NewStyle()
		s := Styles{
			Banner:  plain,
			Address: plain,
			Hint:    plain,
			Error:   plain,
			Prompt:  plain,
		}
		for i := range s.Palette {
			s.Palette[i] = plain
		}
		return s
	}

	return Styles{
		Palette: [glibckit.PaletteSize]lipgloss.Style{
			r.NewStyle().Foreground(lipgloss.Color("3")),
			r.NewStyle().Foreground(lipgloss.Color("6")),
			r.NewStyle().Foreground(lipgloss.Color("5")),
			r.NewStyle().Foreground(lipgloss.Color("2")),
			r.NewStyle().Foreground(lipgloss.Color("4")),
		},
		Banner:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("4")),
		Address: r.NewStyle().Foreground(lipgloss.Color("5")),
		Hint:    r.NewStyle().Foreground(lipgloss.Color("3")),
		Error:   r.NewStyle().Foreground(lipgloss.Color("1")),
		Prompt:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("6")),
	}
}

// Styles holds the text styles of every formatter.
type Styles struct {
	// Palette colors grid cells by Cell.ColorGroup.
	Palette [glibckit.PaletteSize]lipgloss.Style

	Banner  lipgloss.Style
	Address lipgloss.Style
	Hint    lipgloss.Style
	Error   lipgloss.Style
	Prompt  lipgloss.Style
}

// Text formats allocator state for a terminal.
type Text struct {
	Layout glibckit.Layout
	Styles Styles

	// Verbose includes empty bins.
	Verbose bool
}

func (o Text) addr(v uint64) string {
	return o.Styles.Address.Render(fmt.Sprintf("0x%x", v))
}

// Banner writes a section title.
func (o Text) Banner(w io.Writer, title string) {
	fmt.Fprintln(w, o.Styles.Banner.Render(title))
}

// Chunk writes a chunk header followed by its fields.
func (o Text) Chunk(w io.Writer, c glibckit.Chunk) {
	header := o.addr(c.Address)
	for _, flag := range c.FlagNames(o.Layout) {
		header += " " + o.Styles.Hint.Render(flag)
	}
	fmt.Fprintln(w, header)

	fd, bk := "?", "?"
	if c.HasLinks {
		fd = fmt.Sprintf("0x%x", c.Fd)
		bk = fmt.Sprintf("0x%x", c.Bk)
	}

	fmt.Fprintf(w, "  prev_size = 0x%x\n", c.PrevSize)
	fmt.Fprintf(w, "  size      = 0x%x\n", c.Size)
	fmt.Fprintf(w, "  fd        = %s\n", fd)
	fmt.Fprintf(w, "  bk        = %s\n", bk)
}

// Bins writes one line per bin under a banner named after the
// bins' kind. Empty bins are skipped unless Verbose is set.
func (o Text) Bins(w io.Writer, title string, bins []glibckit.Bin) {
	o.Banner(w, title)

	printed := 0
	for _, bin := range bins {
		if bin.IsEmpty() && !o.Verbose {
			continue
		}

		fmt.Fprintln(w, o.binLine(bin))
		printed++
	}

	if printed == 0 {
		fmt.Fprintln(w, o.Styles.Hint.Render("empty"))
	}
}

func (o Text) binLine(bin glibckit.Bin) string {
	size := fmt.Sprintf("0x%x", bin.ChunkSize())
	if bin.Kind() == glibckit.KindUnsorted {
		size = "all"
	}

	switch b := bin.(type) {
	case glibckit.TcacheBin:
		label := padRight(o.Styles.Hint.Render(fmt.Sprintf("%s [%3d]", size, b.Count))+": ", 13)
		return label + o.singlyChain(b.Chain, b.Corrupted || b.Truncated)
	case glibckit.FastBin:
		line := padRight(o.Styles.Hint.Render(size)+": ", 13) + o.singlyChain(b.Chain, b.Corrupted)
		if len(b.SizeMismatch) > 0 {
			line += o.Styles.Error.Render(fmt.Sprintf(" [%d size mismatch]", len(b.SizeMismatch)))
		}
		return line
	case glibckit.DoubleBin:
		if b.Corrupted {
			return o.Styles.Hint.Render(size) + o.Styles.Error.Render(" [corrupted]") + "\n" +
				o.Styles.Hint.Render("FD: ") + o.doublyChain(b.Fd, b.Chain, b.Sentinel) + "\n" +
				o.Styles.Hint.Render("BK: ") + o.doublyChain(b.Bk, b.BkChain, b.Sentinel)
		}
		return padRight(o.Styles.Hint.Render(size)+": ", 13) + o.doublyChain(b.Fd, b.Chain, b.Sentinel)
	default:
		return bin.Name()
	}
}

func (o Text) singlyChain(chain []uint64, unfinished bool) string {
	parts := make([]string, len(chain))
	for i, addr := range chain {
		parts[i] = o.addr(addr)
	}

	end := "0x0"
	if unfinished {
		end = "..."
	}

	if len(parts) == 0 {
		return end
	}

	return strings.Join(parts, chainArrow) + chainEnd + end
}

func (o Text) doublyChain(head uint64, chain []uint64, sentinel uint64) string {
	if head == sentinel && len(chain) == 0 {
		return o.addr(sentinel) + chainEnd + o.addr(sentinel)
	}

	parts := make([]string, 0, len(chain)+1)
	for _, addr := range chain {
		parts = append(parts, o.addr(addr))
	}
	parts = append(parts, o.addr(sentinel))

	return strings.Join(parts, chainArrow)
}

// Grid writes two cells per row, followed by their ASCII rendering
// and any labels found in the row.
func (o Text) Grid(w io.Writer, grid glibckit.Grid) {
	for _, row := range grid.Rows(2) {
		line := fmt.Sprintf("0x%x", row[0].Address)

		var ascii string
		var labels []string
		for _, cell := range row {
			style := o.Styles.Palette[cell.ColorGroup]

			value := strings.Repeat("?", 2*grid.PtrSize)
			if cell.Content != nil {
				value = fmt.Sprintf("%0*x", 2*grid.PtrSize, cell.Value)
			}

			line += "  " + style.Render("0x"+value)
			ascii += style.Render(printable(cell.Content, grid.PtrSize))
			labels = append(labels, cell.Labels...)
		}

		line += "  " + ascii
		if len(labels) > 0 {
			line += "  <-- " + strings.Join(labels, ", ")
		}

		fmt.Fprintln(w, line)
	}
}

func printable(b []byte, width int) string {
	if b == nil {
		return strings.Repeat(".", width)
	}

	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 0x20 && c < 0x7f {
			out[i] = c
		} else {
			out[i] = '.'
		}
	}
	return string(out)
}

// Arena writes the fields of a malloc_state.
func (o Text) Arena(w io.Writer, a glibckit.Arena) {
	o.Banner(w, fmt.Sprintf("arena 0x%x", a.Address))

	fmt.Fprintf(w, "  mutex            = 0x%x\n", a.Mutex)
	fmt.Fprintf(w, "  flags            = 0x%x\n", a.Flags)
	if o.Layout.Version.AtLeast(2, 27) {
		fmt.Fprintf(w, "  have_fastchunks  = %t\n", a.HaveFastChunks)
	}

	for i, fb := range a.Fastbins {
		if fb != 0 || o.Verbose {
			fmt.Fprintf(w, "  fastbinsY[%d]     = 0x%x\n", i, fb)
		}
	}

	fmt.Fprintf(w, "  top              = %s\n", o.addr(a.Top))
	fmt.Fprintf(w, "  last_remainder   = 0x%x\n", a.LastRemainder)
	fmt.Fprintf(w, "  binmap           = 0x%08x 0x%08x 0x%08x 0x%08x\n",
		a.Binmap[0], a.Binmap[1], a.Binmap[2], a.Binmap[3])
	fmt.Fprintf(w, "  next             = 0x%x\n", a.Next)
	fmt.Fprintf(w, "  next_free        = 0x%x\n", a.NextFree)
	fmt.Fprintf(w, "  attached_threads = %d\n", a.AttachedThreads)
	fmt.Fprintf(w, "  system_mem       = 0x%x (%s)\n", a.SystemMem, humanSize(a.SystemMem))
	fmt.Fprintf(w, "  max_system_mem   = 0x%x (%s)\n", a.MaxSystemMem, humanSize(a.MaxSystemMem))
}

// Region writes a one line summary of a heap region.
func (o Text) Region(w io.Writer, r glibckit.Region) {
	fmt.Fprintf(w, "%s %s-%s (%s)", o.Styles.Hint.Render(r.Name),
		o.addr(r.Start), o.addr(r.End), humanSize(r.Size()))
	if r.Pad > 0 {
		fmt.Fprintf(w, ", first chunk at %s", o.addr(r.FirstChunk()))
	}
	fmt.Fprintln(w)
}

// HeapInfo writes the fields of a heap_info.
func (o Text) HeapInfo(w io.Writer, info glibckit.HeapInfo) {
	o.Banner(w, fmt.Sprintf("heap_info 0x%x", info.Address))
	fmt.Fprintf(w, "  ar_ptr        = %s\n", o.addr(info.ArenaPtr))
	fmt.Fprintf(w, "  prev          = 0x%x\n", info.Prev)
	fmt.Fprintf(w, "  size          = 0x%x (%s)\n", info.Size, humanSize(info.Size))
	fmt.Fprintf(w, "  mprotect_size = 0x%x\n", info.MprotectSize)
}

// FakeChunks writes the result of a fake fast chunk search.
func (o Text) FakeChunks(w io.Writer, chunks []glibckit.Chunk) {
	o.Banner(w, "FAKE CHUNKS")
	for _, c := range chunks {
		o.Chunk(w, c)
	}
}

// Instructions writes disassembled instructions.
func (o Text) Instructions(w io.Writer, insts []asmkit.Inst) {
	for _, inst := range insts {
		fmt.Fprintf(w, "  %s  %-20x  %s\n", o.addr(inst.Address), inst.Bin, inst.Assembly)
	}
}

func humanSize(n uint64) string {
	return bytesize.New(float64(n)).String()
}

func padRight(s string, width int) string {
	n := lipgloss.Width(s)
	if n >= width {
		return s
	}
	return s + strings.Repeat(" ", width-n)
}
