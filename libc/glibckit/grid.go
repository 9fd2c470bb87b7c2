package glibckit

import (
	"fmt"
	"sort"

	"github.com/cockroachdb/errors"
)

// PaletteSize is the number of color groups cells cycle through.
const PaletteSize = 5

// TopChunkLabel labels both header cells of the top chunk.
const TopChunkLabel = "Top chunk"

// DefaultMaxGridCells bounds a grid whose end is unknown.
const DefaultMaxGridCells = 1 << 16

// Cell is one pointer-sized slice of a Grid.
type Cell struct {
	Address uint64

	// Content is nil if the cell could not be read.
	Content []byte
	Value   uint64

	// ChunkIndex is the sequential chunk the cell belongs to. The
	// prev_size field of a chunk whose PREV_INUSE flag is set
	// belongs to the chunk before it.
	ChunkIndex int
	ColorGroup int

	Labels []string
}

// GridConfig configures BuildGrid.
type GridConfig struct {
	Start uint64

	// Count is the maximum number of chunks to include.
	Count int

	// Top is the top chunk address. Zero means it is unknown and
	// the walk is only bounded by Count.
	Top uint64

	// Naive disables the heuristics that stop the walk at the top
	// chunk. Chunks are followed strictly by their sizes.
	Naive bool

	// OptEnd is the exclusive end of the memory the walk may cover,
	// normally the end of the heap region. A chunk extending past
	// it is cut off at OptEnd. Zero means the end is unknown.
	OptEnd uint64

	// OptMaxCells bounds the number of cells. Zero selects
	// DefaultMaxGridCells.
	OptMaxCells int

	// Bins are checked for membership labels.
	Bins []Bin
}

// Grid is a partition of heap memory into chunk-owned cells in
// ascending address order.
type Grid struct {
	Cells   []Cell
	Top     uint64
	PtrSize int
}

// Rows splits the grid into rows of perRow cells.
func (o Grid) Rows(perRow int) [][]Cell {
	var rows [][]Cell
	for i := 0; i < len(o.Cells); i += perRow {
		end := i + perRow
		if end > len(o.Cells) {
			end = len(o.Cells)
		}
		rows = append(rows, o.Cells[i:end])
	}
	return rows
}

// BuildGrid walks up to config.Count chunks starting at config.Start
// and assigns every cell they span to a chunk.
func BuildGrid(d Decoder, config GridConfig) (Grid, error) {
	layout := d.Layout()
	ptr := layout.PtrSize()
	top := config.Top
	topKnown := top != 0

	end := config.OptEnd
	if end == 0 {
		end = ^uint64(0)
	}

	maxCells := config.OptMaxCells
	if maxCells <= 0 {
		maxCells = DefaultMaxGridCells
	}

	owners := make(map[uint64]int)
	chunkID := 0
	address := config.Start

	for chunkID < config.Count && address < end && len(owners) < maxCells {
		size, err := d.ReadPointer(address + ptr)
		if err != nil {
			if chunkID == 0 {
				return Grid{}, errors.Wrapf(err, "failed to read chunk at 0x%x", address)
			}
			break
		}

		realSize := size &^ sizeFlagsMask
		if realSize == 0 {
			break
		}

		atTop := topKnown && address == top
		if !atTop && !layout.Aligned(realSize) {
			if chunkID == 0 {
				return Grid{}, inconsistent("chunk at 0x%x has misaligned size 0x%x",
					address, realSize)
			}
			break
		}

		chunkStart := address
		stop := address + realSize
		if stop < address || stop > end {
			stop = end
		}

		for address < stop && (config.Naive || !topKnown || address < top) && len(owners) < maxCells {
			owners[address] = chunkID
			address += ptr
		}

		if size&PrevInUse != 0 && (config.Naive || address != top) {
			if _, ok := owners[chunkStart]; ok {
				owners[chunkStart]--
			}
		}

		chunkID++

		if topKnown && address >= top {
			owners[address] = chunkID
			owners[address+ptr] = chunkID
			break
		}
	}

	addrs := make([]uint64, 0, len(owners))
	for addr := range owners {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	labels := binLabels(config.Bins)

	grid := Grid{
		Cells:   make([]Cell, len(addrs)),
		Top:     top,
		PtrSize: layout.Platform.PointerSize,
	}

	for i, addr := range addrs {
		id := owners[addr]

		cell := Cell{
			Address:    addr,
			ChunkIndex: id,
			ColorGroup: ((id % PaletteSize) + PaletteSize) % PaletteSize,
			Labels:     labels[addr],
		}

		content, err := d.Reader().ReadAt(addr, int(ptr))
		if err == nil {
			cell.Content = content
			cell.Value = layout.Platform.Uint(content)
		}

		if topKnown && (addr == top || addr == top+ptr) {
			cell.Labels = append(cell.Labels, TopChunkLabel)
		}

		grid.Cells[i] = cell
	}

	return grid, nil
}

// binLabels maps each address found in bins to labels such as
// "fastbins[0x20][0]" or "tcachebins[0x30][1/2]".
func binLabels(bins []Bin) map[uint64][]string {
	labels := make(map[uint64][]string)

	for _, bin := range bins {
		prefix := bin.Name()
		if bin.Kind() == KindUnsorted {
			prefix += "[all]"
		}

		suffix := ""
		if t, ok := bin.(TcacheBin); ok {
			suffix = fmt.Sprintf("/%d", t.Count)
		}

		for pos, addr := range bin.OrderedAddresses() {
			labels[addr] = append(labels[addr], fmt.Sprintf("%s[%d%s]", prefix, pos, suffix))
		}
	}

	return labels
}
