package memory

import (
	"sort"

	"github.com/cockroachdb/errors"
)

// NewImage creates an empty *Image for the specified platform.
func NewImage(platform Platform) *Image {
	return &Image{
		platform: platform,
	}
}

// Image is a sparse, in-process copy of target memory made of
// one or more segments. It backs core files, raw dumps and
// synthetic heaps used in tests.
//
// Image is not safe for concurrent writes. Reads may happen
// concurrently once all segments have been added.
type Image struct {
	platform Platform
	segments []segment
}

type segment struct {
	mapping Mapping
	data    []byte
}

// AddSegment maps data at address under the specified name.
// It fails if the new segment overlaps an existing one.
func (o *Image) AddSegment(address uint64, data []byte, name string) error {
	return o.AddMapping(Mapping{
		Start: address,
		End:   address + uint64(len(data)),
		Perms: "rw-p",
		Name:  name,
	}, data)
}

// AddMapping adds data described by m. len(data) must not exceed
// m.Size(). Bytes past len(data) read as zero, which is how core
// files represent segments that were never written to.
func (o *Image) AddMapping(m Mapping, data []byte) error {
	if m.End < m.Start {
		return errors.Newf("segment end 0x%x is before start 0x%x", m.End, m.Start)
	}

	if uint64(len(data)) > m.Size() {
		return errors.Newf("segment data is %d bytes, mapping is only %d bytes",
			len(data), m.Size())
	}

	for _, s := range o.segments {
		if m.Start < s.mapping.End && s.mapping.Start < m.End {
			return errors.Newf("segment 0x%x-0x%x overlaps %q (0x%x-0x%x)",
				m.Start, m.End, s.mapping.Name, s.mapping.Start, s.mapping.End)
		}
	}

	if uint64(len(data)) < m.Size() {
		full := make([]byte, m.Size())
		copy(full, data)
		data = full
	}

	o.segments = append(o.segments, segment{mapping: m, data: data})

	sort.Slice(o.segments, func(i, j int) bool {
		return o.segments[i].mapping.Start < o.segments[j].mapping.Start
	})

	return nil
}

// Platform returns the image's platform.
func (o *Image) Platform() Platform {
	return o.platform
}

// Mappings returns the image's segments in ascending address order.
func (o *Image) Mappings() ([]Mapping, error) {
	out := make([]Mapping, len(o.segments))
	for i, s := range o.segments {
		out[i] = s.mapping
	}
	return out, nil
}

// ReadAt implements Reader. Reads may span adjacent segments.
func (o *Image) ReadAt(address uint64, length int) ([]byte, error) {
	b := o.read(address, length)
	if len(b) != length {
		return nil, Unreadable(nil, address, length)
	}
	return b, nil
}

// ReadPartial implements PartialReader.
func (o *Image) ReadPartial(address uint64, length int) ([]byte, error) {
	b := o.read(address, length)
	if len(b) == 0 && length > 0 {
		return nil, Unreadable(nil, address, length)
	}
	return b, nil
}

// Write overwrites existing mapped bytes at address. It is meant for
// building test fixtures and never grows a segment.
func (o *Image) Write(address uint64, p []byte) error {
	for len(p) > 0 {
		s, ok := o.segmentFor(address)
		if !ok {
			return Unreadable(errors.New("address is not mapped"), address, len(p))
		}

		n := copy(s.data[address-s.mapping.Start:], p)
		p = p[n:]
		address += uint64(n)
	}

	return nil
}

func (o *Image) read(address uint64, length int) []byte {
	if length < 0 {
		return nil
	}

	out := make([]byte, 0, length)
	for len(out) < length {
		s, ok := o.segmentFor(address)
		if !ok {
			break
		}

		start := address - s.mapping.Start
		end := start + uint64(length-len(out))
		if end > uint64(len(s.data)) {
			end = uint64(len(s.data))
		}

		out = append(out, s.data[start:end]...)
		address += end - start
	}

	return out
}

func (o *Image) segmentFor(address uint64) (segment, bool) {
	i := sort.Search(len(o.segments), func(i int) bool {
		return o.segments[i].mapping.End > address
	})

	if i < len(o.segments) && o.segments[i].mapping.Contains(address) {
		return o.segments[i], true
	}

	return segment{}, false
}
