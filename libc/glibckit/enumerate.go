package glibckit

// NewEnumerator returns an Enumerator over the chunks in
// [start, end). If the size field of the chunk at start is zero,
// start is assumed to be followed by a two pointer alignment pad,
// which is skipped.
//
// An Enumerator may be created at any address, which makes it
// possible to restart from the middle of a heap.
func NewEnumerator(d Decoder, start uint64, end uint64) *Enumerator {
	return &Enumerator{
		decoder: d,
		start:   start,
		end:     end,
		next:    start,
		first:   true,
	}
}

// Enumerator lazily decodes the chunks of a region in address order.
// It works like bufio.Scanner: call Next until it returns false,
// then check Err.
type Enumerator struct {
	decoder Decoder
	start   uint64
	end     uint64
	next    uint64
	first   bool
	done    bool
	current Chunk
	err     error
}

// Next decodes the next chunk. It returns false when the region
// ends, a read fails, or the next header has a zero size. A zero
// size header is not returned.
//
// A chunk whose size is not a multiple of the allocator's alignment
// is returned, but it is the last one: the enumeration stops with an
// ErrInconsistent error because the next header cannot be trusted.
func (o *Enumerator) Next() bool {
	if o.done {
		return false
	}

	if o.first {
		o.first = false
		o.next += alignmentPad(o.decoder.Reader(), o.decoder.Layout(), o.start)
	}

	if o.next < o.start || o.next >= o.end {
		o.done = true
		return false
	}

	c, err := o.decoder.Decode(o.next)
	if err != nil {
		o.err = err
		o.done = true
		return false
	}

	if c.RealSize() == 0 {
		o.done = true
		return false
	}

	o.current = c

	if !c.SizeAligned(o.decoder.Layout()) {
		o.err = inconsistent("chunk at 0x%x has misaligned size 0x%x",
			c.Address, c.RealSize())
		o.done = true
		return true
	}

	o.next = c.Address + c.RealSize()
	if o.next < c.Address {
		o.done = true
	}

	return true
}

// Chunk returns the chunk decoded by the last call to Next.
func (o *Enumerator) Chunk() Chunk {
	return o.current
}

// Err returns the read error or inconsistency that stopped the
// enumeration, if any.
func (o *Enumerator) Err() error {
	return o.err
}

// All collects every remaining chunk, up to max chunks when max
// is greater than zero.
func (o *Enumerator) All(max int) ([]Chunk, error) {
	var chunks []Chunk
	for (max <= 0 || len(chunks) < max) && o.Next() {
		chunks = append(chunks, o.Chunk())
	}
	return chunks, o.Err()
}
