package glibckit

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"gitlab.com/stephen-fox/heapkit/memory"
)

// DefaultStepCap bounds the number of nodes a single free-list
// walk visits.
const DefaultStepCap = 4096

const (
	KindTcache BinKind = iota
	KindFast
	KindUnsorted
	KindSmall
	KindLarge
)

// BinKind identifies a category of free list.
type BinKind int

func (o BinKind) String() string {
	switch o {
	case KindTcache:
		return "tcachebins"
	case KindFast:
		return "fastbins"
	case KindUnsorted:
		return "unsortedbin"
	case KindSmall:
		return "smallbins"
	case KindLarge:
		return "largebins"
	default:
		return fmt.Sprintf("unknown bin kind (%d)", int(o))
	}
}

// Bin is one free list.
type Bin interface {
	// Kind returns the bin's category.
	Kind() BinKind

	// Name returns a name such as "fastbins[0x30]" or "unsortedbin".
	Name() string

	// ChunkSize returns the chunk size the bin holds. For large
	// bins it is the smallest size of the bin's range. It is zero
	// for the unsorted bin.
	ChunkSize() uint64

	// HeadAddress returns the value of the bin's list head.
	HeadAddress() uint64

	// OrderedAddresses returns the addresses reached by following
	// the bin's links, in list order.
	OrderedAddresses() []uint64

	// IsCorrupted returns true if the walk found a cycle, hit the
	// step cap, failed a read, or found a link inconsistency.
	IsCorrupted() bool

	// IsEmpty returns true if the bin has no entries.
	IsEmpty() bool
}

// Walk is the result of following one free list.
type Walk struct {
	Chain     []uint64
	Corrupted bool

	// Err is the read failure or inconsistency that stopped the
	// walk, if any.
	Err error
}

func (o Walk) OrderedAddresses() []uint64 {
	return o.Chain
}

func (o Walk) IsCorrupted() bool {
	return o.Corrupted
}

func (o Walk) IsEmpty() bool {
	return len(o.Chain) == 0 && !o.Corrupted
}

// FastBin is one of malloc_state.fastbinsY. Chain holds chunk
// (header) addresses.
type FastBin struct {
	Walk
	Index int
	Size  uint64
	Head  uint64

	// SizeMismatch lists chunks whose size does not belong to
	// the bin. This is reported separately from Corrupted.
	SizeMismatch []uint64
}

func (o FastBin) Kind() BinKind { return KindFast }
func (o FastBin) Name() string { return sizedName(KindFast, o.Size) }
func (o FastBin) ChunkSize() uint64 { return o.Size }
func (o FastBin) HeadAddress() uint64 { return o.Head }

// TcacheBin is one thread-cache bin. Chain holds entry (user data)
// addresses, which is what the cache links together.
type TcacheBin struct {
	Walk
	Index int
	Size  uint64
	Head  uint64
	Count int

	// Truncated is true if the walk stopped at the display limit
	// of one more entry than Count (capped at TcacheFillCount+1)
	// while the list continued.
	Truncated bool
}

func (o TcacheBin) Kind() BinKind { return KindTcache }
func (o TcacheBin) Name() string { return sizedName(KindTcache, o.Size) }
func (o TcacheBin) ChunkSize() uint64 { return o.Size }
func (o TcacheBin) HeadAddress() uint64 { return o.Head }

func (o TcacheBin) IsEmpty() bool {
	return o.Walk.IsEmpty() && o.Count == 0
}

// DoubleBin is an unsorted, small, or large bin. Chain holds chunk
// addresses and never includes the sentinel.
type DoubleBin struct {
	Walk
	BinKind BinKind
	Index   int
	Size    uint64

	// Sentinel is the bin_at() address. Fd and Bk are its links.
	Sentinel uint64
	Fd       uint64
	Bk       uint64

	// CorruptAt is the node whose back link was wrong. It is the
	// last element of Chain, or Sentinel when the sentinel's own
	// back link does not point to the last node.
	CorruptAt uint64

	// BkChain is the list followed through back links. It is only
	// populated for corrupted bins.
	BkChain []uint64
}

func (o DoubleBin) Kind() BinKind { return o.BinKind }
func (o DoubleBin) ChunkSize() uint64 { return o.Size }
func (o DoubleBin) HeadAddress() uint64 { return o.Fd }

func (o DoubleBin) Name() string {
	if o.BinKind == KindUnsorted {
		return KindUnsorted.String()
	}
	return sizedName(o.BinKind, o.Size)
}

func sizedName(kind BinKind, size uint64) string {
	return fmt.Sprintf("%s[0x%x]", kind, size)
}

// singlyList describes how to follow one singly linked list.
type singlyList struct {
	head uint64

	// fdOffset is the distance from a node address to its next
	// pointer. Node addresses plus fdOffset are always aligned.
	fdOffset uint64

	safeLinking bool
	max         int
}

// walkSingly follows a fastbin or tcache list. full is true if the
// walk stopped because max nodes were collected while the list
// continued.
func walkSingly(d Decoder, list singlyList) (chain []uint64, full bool, err error) {
	layout := d.Layout()

	addr := list.head
	for addr != 0 {
		if len(chain) >= list.max {
			return chain, true, nil
		}

		chain = append(chain, addr)

		raw, err := d.ReadPointer(addr + list.fdOffset)
		if err != nil {
			return chain, false, err
		}

		next := ReverseLink(raw, addr, list.fdOffset, list.safeLinking)
		if next != 0 && !layout.Aligned(next+list.fdOffset) {
			return chain, false, inconsistent(
				"node 0x%x links to misaligned address 0x%x", addr, next)
		}

		addr = next
	}

	return chain, false, nil
}

// WalkFastbin walks the fastbin whose head slot contains head.
// stepCap bounds the walk. Reaching it marks the bin corrupted.
func WalkFastbin(d Decoder, index int, head uint64, stepCap int) FastBin {
	layout := d.Layout()

	bin := FastBin{
		Index: index,
		Size:  layout.FastbinSize(index),
		Head:  head,
	}

	chain, full, err := walkSingly(d, singlyList{
		head:        head,
		fdOffset:    layout.FdOffset(),
		safeLinking: layout.SafeLinking,
		max:         stepCapOrDefault(stepCap),
	})

	bin.Chain = chain
	bin.Err = err
	bin.Corrupted = full || err != nil
	if full {
		bin.Err = inconsistent("fastbin 0x%x exceeded the step cap of %d nodes",
			bin.Size, len(chain))
	}

	for _, addr := range chain {
		c, err := d.Decode(addr)
		if err != nil {
			continue
		}

		if layout.FastbinIndex(c.RealSize()) != index {
			bin.SizeMismatch = append(bin.SizeMismatch, addr)
		}
	}

	return bin
}

// WalkTcache walks the thread-cache bin whose entries slot contains
// head and whose counts slot contains count.
func WalkTcache(d Decoder, index int, head uint64, count int, stepCap int) TcacheBin {
	layout := d.Layout()

	bin := TcacheBin{
		Index: index,
		Size:  layout.TcacheSize(index),
		Head:  head,
		Count: count,
	}

	display := count
	if display > TcacheFillCount {
		display = TcacheFillCount
	}
	display++

	stepCap = stepCapOrDefault(stepCap)
	max := display
	if stepCap < max {
		max = stepCap
	}

	chain, full, err := walkSingly(d, singlyList{
		head:        head,
		safeLinking: layout.SafeLinking,
		max:         max,
	})

	bin.Chain = chain
	bin.Err = err
	bin.Corrupted = err != nil

	if full {
		if max == display {
			bin.Truncated = true
		} else {
			bin.Corrupted = true
			bin.Err = inconsistent("tcache bin 0x%x exceeded the step cap of %d nodes",
				bin.Size, stepCap)
		}
	}

	return bin
}

// WalkDoubly walks the doubly linked bin whose sentinel is at
// sentinel. Each node must link back to the node before it. The
// walk stops at the first node that does not, which is still
// included in Chain.
func WalkDoubly(d Decoder, kind BinKind, index int, sentinel uint64, stepCap int) DoubleBin {
	layout := d.Layout()

	bin := DoubleBin{
		BinKind:  kind,
		Index:    index,
		Sentinel: sentinel,
	}

	switch kind {
	case KindSmall:
		bin.Size = layout.SmallbinSize(index)
	case KindLarge:
		bin.Size = layout.LargebinSize(index)
	}

	head, err := readLinks(d, sentinel)
	if err != nil {
		bin.Corrupted = true
		bin.Err = err
		return bin
	}

	bin.Fd = head.fd
	bin.Bk = head.bk

	stepCap = stepCapOrDefault(stepCap)
	prev := sentinel
	cur := head.fd

	for cur != sentinel {
		if cur == 0 {
			bin.Corrupted = true
			bin.Err = inconsistent("node 0x%x has a null forward link", prev)
			break
		}

		if len(bin.Chain) >= stepCap {
			bin.Corrupted = true
			bin.Err = inconsistent("%s exceeded the step cap of %d nodes", bin.Name(), stepCap)
			break
		}

		node, err := readLinks(d, cur)
		if err != nil {
			bin.Corrupted = true
			bin.Err = err
			break
		}

		bin.Chain = append(bin.Chain, cur)

		if node.bk != prev {
			bin.Corrupted = true
			bin.CorruptAt = cur
			bin.Err = inconsistent("0x%x->bk is 0x%x, expected 0x%x", cur, node.bk, prev)
			break
		}

		prev = cur
		cur = node.fd
	}

	if !bin.Corrupted && head.bk != prev {
		bin.Corrupted = true
		bin.CorruptAt = sentinel
		bin.Err = inconsistent("bin sentinel 0x%x->bk is 0x%x, expected 0x%x",
			sentinel, head.bk, prev)
	}

	if bin.Corrupted {
		bin.BkChain = walkBackLinks(d, sentinel, head.bk, stepCap)
	}

	return bin
}

func walkBackLinks(d Decoder, sentinel uint64, first uint64, stepCap int) []uint64 {
	var chain []uint64

	cur := first
	for cur != sentinel && cur != 0 && len(chain) < stepCap {
		chain = append(chain, cur)

		node, err := readLinks(d, cur)
		if err != nil {
			break
		}

		cur = node.bk
	}

	return chain
}

type links struct {
	fd uint64
	bk uint64
}

func readLinks(d Decoder, chunk uint64) (links, error) {
	ptrs, err := memory.ReadPointers(d.Reader(), chunk+d.Layout().FdOffset(), 2)
	if err != nil {
		return links{}, errors.Wrapf(err, "failed to read links of 0x%x", chunk)
	}

	return links{fd: ptrs[0], bk: ptrs[1]}, nil
}

func stepCapOrDefault(stepCap int) int {
	if stepCap <= 0 {
		return DefaultStepCap
	}
	return stepCap
}
