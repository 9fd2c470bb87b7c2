package glibckit

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"gitlab.com/stephen-fox/heapkit/memory"
)

const (
	// NumFastbins is the number of entries in malloc_state.fastbinsY.
	NumFastbins = 10

	// NumBins is the number of bins (NBINS). Bin 0 does not exist,
	// bin 1 is the unsorted bin.
	NumBins = 128

	// NumSmallbins is the number of small bins plus one (NSMALLBINS).
	NumSmallbins = 64

	// TcacheMaxBins is the number of thread-cache bins (TCACHE_MAX_BINS).
	TcacheMaxBins = 64

	// TcacheFillCount is the default number of chunks each thread-cache
	// bin holds before frees fall through to the arena (mp_.tcache_count).
	TcacheFillCount = 7

	// DefaultVersion is used when no glibc version is specified.
	DefaultVersion = "2.35"

	unsortedBinIndex = 1
	firstLargeBin    = NumSmallbins
	lastLargeBin     = NumBins - 2

	sizeFlagsMask = 0x7
)

// ParseVersionOrExit calls ParseVersion. It calls DefaultExitFn if
// an error occurs.
func ParseVersionOrExit(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to parse glibc version - %w", err))
	}
	return v
}

// ParseVersion parses a glibc version string such as "2.35" or
// "2.31-0ubuntu9.9". Anything past the minor version is ignored.
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)

	major, rest, ok := strings.Cut(s, ".")
	if !ok {
		return Version{}, errors.Newf("version %q is not in major.minor format", s)
	}

	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}

	maj, err := strconv.Atoi(major)
	if err != nil {
		return Version{}, errors.Wrapf(err, "failed to parse major version of %q", s)
	}

	min, err := strconv.Atoi(rest[:end])
	if err != nil {
		return Version{}, errors.Wrapf(err, "failed to parse minor version of %q", s)
	}

	return Version{Major: maj, Minor: min}, nil
}

// Version is a glibc release.
type Version struct {
	Major int
	Minor int
}

// AtLeast returns true if o is the same or a newer release than
// major.minor.
func (o Version) AtLeast(major int, minor int) bool {
	if o.Major != major {
		return o.Major > major
	}
	return o.Minor >= minor
}

func (o Version) String() string {
	return fmt.Sprintf("%d.%d", o.Major, o.Minor)
}

// LayoutForOrExit calls LayoutFor. It calls DefaultExitFn if an
// error occurs.
func LayoutForOrExit(platform memory.Platform, version string) Layout {
	l, err := LayoutFor(platform, version)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to create allocator layout - %w", err))
	}
	return l
}

// LayoutFor returns the allocator Layout for the specified platform
// and glibc version. An empty version selects DefaultVersion.
func LayoutFor(platform memory.Platform, version string) (Layout, error) {
	if version == "" {
		version = DefaultVersion
	}

	v, err := ParseVersion(version)
	if err != nil {
		return Layout{}, err
	}

	if !v.AtLeast(2, 23) {
		return Layout{}, errors.Newf("glibc %s is not supported (need 2.23 or newer)", v)
	}

	p, err := memory.PlatformFor(platform.Arch, platform.PointerSize, platform.ByteOrder)
	if err != nil {
		return Layout{}, err
	}

	l := Layout{
		Platform:    p,
		Version:     v,
		SafeLinking: v.AtLeast(2, 32),
	}

	l.largeBounds = l.computeLargeBounds()

	return l, nil
}

// Layout describes where glibc keeps things for one platform and
// release. All offsets and size classes are derived from it.
//
// SafeLinking may be changed after creation for builds that
// backport (or disable) pointer obfuscation.
type Layout struct {
	Platform    memory.Platform
	Version     Version
	SafeLinking bool

	largeBounds []uint64
}

// PtrSize returns SIZE_SZ.
func (o Layout) PtrSize() uint64 {
	return uint64(o.Platform.PointerSize)
}

// Alignment returns MALLOC_ALIGNMENT.
func (o Layout) Alignment() uint64 {
	if o.Platform.Arch == memory.ArchX86 && o.Platform.PointerSize == 4 && o.Version.AtLeast(2, 26) {
		return 16
	}
	return 2 * o.PtrSize()
}

// MinChunkSize returns MINSIZE.
func (o Layout) MinChunkSize() uint64 {
	return alignUp(4*o.PtrSize(), o.Alignment())
}

// HasTcache returns true if the release has per-thread caches.
func (o Layout) HasTcache() bool {
	return o.Version.AtLeast(2, 26)
}

// RequestToSize converts a malloc request size into a chunk size.
func (o Layout) RequestToSize(request uint64) uint64 {
	size := alignUp(request+o.PtrSize(), o.Alignment())
	if size < o.MinChunkSize() {
		return o.MinChunkSize()
	}
	return size
}

// DefaultMaxFast returns the default value of global_max_fast.
func (o Layout) DefaultMaxFast() uint64 {
	mxfast := 64 * o.PtrSize() / 4
	return (mxfast + o.PtrSize()) &^ (o.Alignment() - 1)
}

func (o Layout) fastShift() uint {
	if o.PtrSize() == 8 {
		return 4
	}
	return 3
}

// FastbinIndex returns the fastbinsY index for a chunk size. The
// result is negative or past NumFastbins for sizes that are not
// fast sizes.
func (o Layout) FastbinIndex(size uint64) int {
	return int(size>>o.fastShift()) - 2
}

// FastbinSize returns the chunk size held by fastbinsY[index].
func (o Layout) FastbinSize(index int) uint64 {
	return uint64(index+2) << o.fastShift()
}

// IsFastSize returns true if a chunk of size would be freed into
// a fastbin with the default global_max_fast.
func (o Layout) IsFastSize(size uint64) bool {
	return size >= o.MinChunkSize() && size <= o.DefaultMaxFast()
}

// TcacheSize returns the chunk size held by tcache bin index.
func (o Layout) TcacheSize(index int) uint64 {
	return o.MinChunkSize() + uint64(index)*o.Alignment()
}

// TcacheIndex returns the tcache bin index for a chunk size.
func (o Layout) TcacheIndex(size uint64) int {
	if size < o.MinChunkSize() {
		return -1
	}
	return int((size - o.MinChunkSize()) / o.Alignment())
}

func (o Layout) smallbinCorrection() uint64 {
	if o.Alignment() > 2*o.PtrSize() {
		return 1
	}
	return 0
}

// MinLargeSize returns MIN_LARGE_SIZE.
func (o Layout) MinLargeSize() uint64 {
	return (NumSmallbins - o.smallbinCorrection()) * o.Alignment()
}

// SmallbinSize returns the chunk size held by small bin index.
func (o Layout) SmallbinSize(index int) uint64 {
	return (uint64(index) - o.smallbinCorrection()) * o.Alignment()
}

// BinIndex returns bin_index(size): the small or large bin a chunk
// of size is sorted into.
func (o Layout) BinIndex(size uint64) int {
	if size < o.MinLargeSize() {
		if o.Alignment() == 16 {
			return int(size>>4 + o.smallbinCorrection())
		}
		return int(size>>3 + o.smallbinCorrection())
	}

	switch {
	case o.PtrSize() == 8:
		return largebinIndex(size, 48, 48)
	case o.Alignment() == 16:
		return largebinIndex(size, 45, 49)
	default:
		return largebinIndex(size, 38, 56)
	}
}

func largebinIndex(size uint64, firstMax uint64, firstBase uint64) int {
	switch {
	case size>>6 <= firstMax:
		return int(firstBase + size>>6)
	case size>>9 <= 20:
		return int(91 + size>>9)
	case size>>12 <= 10:
		return int(110 + size>>12)
	case size>>15 <= 4:
		return int(119 + size>>15)
	case size>>18 <= 2:
		return int(124 + size>>18)
	default:
		return lastLargeBin
	}
}

// LargebinSize returns the smallest chunk size sorted into large
// bin index.
func (o Layout) LargebinSize(index int) uint64 {
	i := index - firstLargeBin
	if i < 0 || i >= len(o.largeBounds) {
		return 0
	}
	return o.largeBounds[i]
}

func (o Layout) computeLargeBounds() []uint64 {
	bounds := make([]uint64, lastLargeBin-firstLargeBin+1)

	prev := -1
	size := o.MinLargeSize()
	for prev < lastLargeBin {
		idx := o.BinIndex(size)
		if idx != prev && idx >= firstLargeBin && idx <= lastLargeBin {
			for i := prev + 1; i <= idx; i++ {
				if i >= firstLargeBin && bounds[i-firstLargeBin] == 0 {
					bounds[i-firstLargeBin] = size
				}
			}
			prev = idx
		}

		// Every large bin boundary past MIN_LARGE_SIZE is a multiple of 64.
		size = alignUp(size+1, 64)
	}

	return bounds
}

// HeapMaxSize returns HEAP_MAX_SIZE: the alignment and maximum size
// of non-main arena heaps.
func (o Layout) HeapMaxSize() uint64 {
	if o.PtrSize() == 8 {
		return 64 << 20
	}
	return 1 << 20
}

// ArenaFastbinsOffset returns offsetof(struct malloc_state, fastbinsY).
func (o Layout) ArenaFastbinsOffset() uint64 {
	// mutex and flags, plus have_fastchunks since 2.27.
	header := uint64(8)
	if o.Version.AtLeast(2, 27) {
		header += 4
	}
	return alignUp(header, o.PtrSize())
}

// ArenaTopOffset returns offsetof(struct malloc_state, top).
func (o Layout) ArenaTopOffset() uint64 {
	return o.ArenaFastbinsOffset() + NumFastbins*o.PtrSize()
}

// ArenaBinsOffset returns offsetof(struct malloc_state, bins).
func (o Layout) ArenaBinsOffset() uint64 {
	return o.ArenaTopOffset() + 2*o.PtrSize()
}

// ArenaNextOffset returns offsetof(struct malloc_state, next).
func (o Layout) ArenaNextOffset() uint64 {
	return o.ArenaBinsOffset() + (2*NumBins-2)*o.PtrSize() + 4*4
}

// ArenaSize returns sizeof(struct malloc_state).
func (o Layout) ArenaSize() uint64 {
	// next, next_free, attached_threads, system_mem, max_system_mem.
	return o.ArenaNextOffset() + 5*o.PtrSize()
}

// BinSentinel returns the address of the fake chunk that bin index
// of the arena at arena uses as its list head (bin_at).
func (o Layout) BinSentinel(arena uint64, index int) uint64 {
	return arena + o.ArenaBinsOffset() + uint64(index-1)*2*o.PtrSize() - 2*o.PtrSize()
}

// TcacheCountSize returns the width of a tcache_perthread_struct
// counts element.
func (o Layout) TcacheCountSize() uint64 {
	if o.Version.AtLeast(2, 30) {
		return 2
	}
	return 1
}

// TcacheEntriesOffset returns offsetof(tcache_perthread_struct, entries).
func (o Layout) TcacheEntriesOffset() uint64 {
	return alignUp(TcacheMaxBins*o.TcacheCountSize(), o.PtrSize())
}

// TcacheStructSize returns sizeof(tcache_perthread_struct).
func (o Layout) TcacheStructSize() uint64 {
	return o.TcacheEntriesOffset() + TcacheMaxBins*o.PtrSize()
}

// FdOffset returns offsetof(struct malloc_chunk, fd).
func (o Layout) FdOffset() uint64 {
	return 2 * o.PtrSize()
}

// Aligned returns true if address is aligned to MALLOC_ALIGNMENT.
func (o Layout) Aligned(address uint64) bool {
	return address&(o.Alignment()-1) == 0
}

func alignUp(v uint64, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
