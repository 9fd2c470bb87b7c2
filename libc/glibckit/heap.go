package glibckit

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/cockroachdb/errors"
	"gitlab.com/stephen-fox/heapkit/memory"
)

// Config configures a Heap.
type Config struct {
	// Layout describes the target's allocator.
	Layout Layout

	// OptArenaAddr is the address of main_arena. When zero, the
	// arena is searched for in the libc data mappings.
	OptArenaAddr uint64

	// OptTcacheAddr is the address of the tcache_perthread_struct.
	// When zero, the struct is assumed to be the first chunk of
	// the heap.
	OptTcacheAddr uint64

	// OptHeapAddr is the start of the heap region. When zero, the
	// "[heap]" mapping is used.
	OptHeapAddr uint64

	// StepCap bounds every list walk. Zero selects DefaultStepCap.
	StepCap int

	// OptLogger, when non-nil, receives a message whenever a walk
	// finds corruption or a fallback is used.
	OptLogger *slog.Logger
}

// NewHeapOrExit calls NewHeap. It calls DefaultExitFn if an error
// occurs.
func NewHeapOrExit(r memory.Reader, config Config) *Heap {
	h, err := NewHeap(r, config)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to create heap - %w", err))
	}
	return h
}

// NewHeap returns a Heap that reconstructs allocator state from r.
func NewHeap(r memory.Reader, config Config) (*Heap, error) {
	if r == nil {
		return nil, errors.New("memory reader cannot be nil")
	}

	if config.Layout.Platform.PointerSize == 0 {
		return nil, errors.New("layout is not initialized (use LayoutFor)")
	}

	if config.Layout.Platform.PointerSize != r.Platform().PointerSize {
		return nil, errors.Newf("layout pointer size %d does not match target pointer size %d",
			config.Layout.Platform.PointerSize, r.Platform().PointerSize)
	}

	logger := config.OptLogger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Heap{
		decoder: NewDecoder(r, config.Layout),
		config:  config,
		logger:  logger,
	}, nil
}

// Heap answers queries about one target's allocator state. Nothing
// is cached: every method call reads the target again.
//
// A Heap must not be used by more than one query at a time.
type Heap struct {
	decoder Decoder
	config  Config
	logger  *slog.Logger
}

// Decoder returns the Heap's chunk decoder.
func (o *Heap) Decoder() Decoder {
	return o.decoder
}

// Layout returns the Heap's allocator layout.
func (o *Heap) Layout() Layout {
	return o.config.Layout
}

// StepCap returns the effective walk step cap.
func (o *Heap) StepCap() int {
	return stepCapOrDefault(o.config.StepCap)
}

// Region returns the heap region.
func (o *Heap) Region() (Region, error) {
	return LocateHeapRegion(o.decoder.Reader(), o.config.Layout, o.config.OptHeapAddr)
}

// Chunk decodes the chunk at address.
func (o *Heap) Chunk(address uint64) (Chunk, error) {
	return o.decoder.Decode(address)
}

// Chunks returns an Enumerator over the heap region, or over
// [start, region end) if start is non-zero.
func (o *Heap) Chunks(start uint64) (*Enumerator, error) {
	region, err := o.Region()
	if err != nil {
		return nil, err
	}

	if start == 0 {
		start = region.Start
	}

	return NewEnumerator(o.decoder, start, region.End), nil
}

// MainArenaAddr returns the address of main_arena, searching for it
// if it was not configured.
func (o *Heap) MainArenaAddr() (uint64, error) {
	if o.config.OptArenaAddr != 0 {
		return o.config.OptArenaAddr, nil
	}

	region, err := o.Region()
	if err != nil {
		return 0, err
	}

	top, err := TopChunk(o.decoder, region, nil)
	if err != nil {
		return 0, err
	}

	addr, err := FindMainArena(o.decoder.Reader(), o.config.Layout, top)
	if err != nil {
		return 0, err
	}

	o.logger.Debug("found main arena by searching for the top chunk pointer",
		"arena", fmt.Sprintf("0x%x", addr), "top", fmt.Sprintf("0x%x", top))

	return addr, nil
}

// Arena decodes the arena at address, or the main arena if address
// is zero.
func (o *Heap) Arena(address uint64) (Arena, error) {
	if address == 0 {
		var err error
		address, err = o.MainArenaAddr()
		if err != nil {
			return Arena{}, err
		}
	}

	return DecodeArena(o.decoder.Reader(), o.config.Layout, address)
}

// Arenas returns every arena, main arena first.
func (o *Heap) Arenas() ([]Arena, error) {
	main, err := o.MainArenaAddr()
	if err != nil {
		return nil, err
	}

	return Arenas(o.decoder.Reader(), o.config.Layout, main, o.StepCap())
}

// Top returns the top chunk of the heap. The arena is used if it
// can be found. Otherwise the heap is walked to its last chunk.
func (o *Heap) Top() (uint64, error) {
	arena, err := o.Arena(0)
	if err == nil {
		return arena.Top, nil
	}

	o.logger.Debug("arena is unavailable, walking heap to find top chunk",
		"error", err)

	region, err := o.Region()
	if err != nil {
		return 0, err
	}

	return TopChunk(o.decoder, region, nil)
}

// HeapInfoFor returns the heap_info of the non-main arena heap
// holding chunk.
func (o *Heap) HeapInfoFor(chunk uint64) (HeapInfo, error) {
	return HeapInfoFor(o.decoder.Reader(), o.config.Layout, chunk)
}

// Tcache decodes the thread-cache struct.
func (o *Heap) Tcache() (Tcache, error) {
	layout := o.config.Layout

	if !layout.HasTcache() {
		return Tcache{}, notFound("glibc %s has no tcache", layout.Version)
	}

	addr := o.config.OptTcacheAddr
	if addr == 0 {
		region, err := o.Region()
		if err != nil {
			return Tcache{}, err
		}
		addr = DefaultTcacheAddress(layout, region)
	}

	t, err := DecodeTcache(o.decoder.Reader(), layout, addr)
	if err != nil {
		o.logger.Warn("tcache is unreadable", "error", err)
		return Tcache{}, err
	}

	return t, nil
}

// TcacheBins walks every thread-cache bin.
func (o *Heap) TcacheBins() ([]TcacheBin, error) {
	t, err := o.Tcache()
	if err != nil {
		return nil, err
	}

	bins := make([]TcacheBin, TcacheMaxBins)
	for i := range bins {
		bins[i] = WalkTcache(o.decoder, i, t.Entries[i], t.Counts[i], o.config.StepCap)
		o.logBin(bins[i])
	}

	return bins, nil
}

// Fastbins walks the fastbins of arena.
func (o *Heap) Fastbins(arena Arena) []FastBin {
	bins := make([]FastBin, NumFastbins)
	for i := range bins {
		bins[i] = WalkFastbin(o.decoder, i, arena.Fastbins[i], o.config.StepCap)
		o.logBin(bins[i])
	}
	return bins
}

// UnsortedBin walks the unsorted bin of arena.
func (o *Heap) UnsortedBin(arena Arena) DoubleBin {
	return o.doubleBin(arena, KindUnsorted, unsortedBinIndex)
}

// SmallBins walks the small bins of arena.
func (o *Heap) SmallBins(arena Arena) []DoubleBin {
	var bins []DoubleBin
	for i := 2; i < NumSmallbins; i++ {
		bins = append(bins, o.doubleBin(arena, KindSmall, i))
	}
	return bins
}

// LargeBins walks the large bins of arena.
func (o *Heap) LargeBins(arena Arena) []DoubleBin {
	var bins []DoubleBin
	for i := firstLargeBin; i <= lastLargeBin; i++ {
		bins = append(bins, o.doubleBin(arena, KindLarge, i))
	}
	return bins
}

func (o *Heap) doubleBin(arena Arena, kind BinKind, index int) DoubleBin {
	sentinel := o.config.Layout.BinSentinel(arena.Address, index)
	bin := WalkDoubly(o.decoder, kind, index, sentinel, o.config.StepCap)
	o.logBin(bin)
	return bin
}

func (o *Heap) logBin(bin Bin) {
	if !bin.IsCorrupted() {
		return
	}

	var err error
	switch b := bin.(type) {
	case FastBin:
		err = b.Err
	case TcacheBin:
		err = b.Err
	case DoubleBin:
		err = b.Err
	}

	o.logger.Warn("bin is corrupted", "bin", bin.Name(), "error", err)
}

// BinSet holds the result of walking every bin of one arena.
type BinSet struct {
	Arena    Arena
	Tcache   []TcacheBin
	Fast     []FastBin
	Unsorted DoubleBin
	Small    []DoubleBin
	Large    []DoubleBin

	// TcacheErr is why Tcache is empty, if it is.
	TcacheErr error
}

// All returns every bin in the order tcache, fast, unsorted,
// small, large.
func (o BinSet) All() []Bin {
	var bins []Bin
	for _, b := range o.Tcache {
		bins = append(bins, b)
	}
	for _, b := range o.Fast {
		bins = append(bins, b)
	}
	bins = append(bins, o.Unsorted)
	for _, b := range o.Small {
		bins = append(bins, b)
	}
	for _, b := range o.Large {
		bins = append(bins, b)
	}
	return bins
}

// Bins walks every bin of the arena at arenaAddr, or of the main
// arena if arenaAddr is zero. A failure to read the tcache does not
// prevent the arena's bins from being walked.
func (o *Heap) Bins(arenaAddr uint64) (BinSet, error) {
	arena, err := o.Arena(arenaAddr)
	if err != nil {
		return BinSet{}, err
	}

	set := BinSet{
		Arena:    arena,
		Fast:     o.Fastbins(arena),
		Unsorted: o.UnsortedBin(arena),
		Small:    o.SmallBins(arena),
		Large:    o.LargeBins(arena),
	}

	// Only the main thread's tcache can be located without symbols.
	if arenaAddr == 0 || arenaAddr == o.config.OptArenaAddr {
		set.Tcache, set.TcacheErr = o.TcacheBins()
	}

	return set, nil
}

// FindFakeFast searches for fake fast chunks overlapping target.
func (o *Heap) FindFakeFast(target uint64, size uint64, unaligned bool) ([]Chunk, error) {
	return FindFakeFast(o.decoder, target, size, FakeFastConfig{
		Unaligned: unaligned,
	})
}

// Grid builds a visualization grid of count chunks starting at
// start, or at the first chunk of the heap if start is zero. Bin
// labels are added when the bins can be walked.
func (o *Heap) Grid(start uint64, count int, naive bool) (Grid, error) {
	var end uint64
	region, err := o.Region()
	switch {
	case err != nil && start == 0:
		return Grid{}, err
	case err != nil:
		o.logger.Debug("heap region is unknown, grid is bounded by cell count", "error", err)
	default:
		if start == 0 {
			start = region.FirstChunk()
		}
		if start >= region.Start && start < region.End {
			end = region.End
		}
	}

	top, err := o.Top()
	if err != nil {
		o.logger.Debug("top chunk is unknown", "error", err)
		top = 0
	}

	config := GridConfig{
		Start:  start,
		Count:  count,
		Top:    top,
		Naive:  naive,
		OptEnd: end,
	}

	set, err := o.Bins(0)
	if err == nil {
		config.Bins = set.All()
	}

	return BuildGrid(o.decoder, config)
}

// FindMainArena searches the writable libc mappings of r for a
// malloc_state whose top pointer equals top.
func FindMainArena(r memory.Reader, layout Layout, top uint64) (uint64, error) {
	mapper, ok := r.(memory.Mapper)
	if !ok {
		return 0, notFound("memory source has no mappings to search for main_arena")
	}

	mappings, err := mapper.Mappings()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get memory mappings")
	}

	ptr := layout.PtrSize()
	topOff := layout.ArenaTopOffset()

	for _, m := range mappings {
		if !strings.Contains(m.Name, "libc") || !strings.HasPrefix(m.Perms, "rw") {
			continue
		}

		data, err := memory.ReadPartial(r, m.Start, int(m.Size()))
		if err != nil {
			continue
		}

		for off := topOff; off+ptr <= uint64(len(data)); off += ptr {
			if layout.Platform.Uint(data[off:]) != top {
				continue
			}

			candidate := m.Start + off - topOff
			if looksLikeArena(r, layout, candidate) {
				return candidate, nil
			}
		}
	}

	return 0, notFound("failed to find main_arena (top chunk 0x%x)", top)
}

func looksLikeArena(r memory.Reader, layout Layout, address uint64) bool {
	a, err := DecodeArena(r, layout, address)
	if err != nil || a.Next == 0 {
		return false
	}

	// An empty unsorted bin links to its own sentinel.
	sentinel := layout.BinSentinel(address, unsortedBinIndex)
	fd, bk := a.Bins[0], a.Bins[1]
	if fd == 0 || bk == 0 {
		return false
	}

	return (fd == sentinel) == (bk == sentinel)
}
