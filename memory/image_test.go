package memory

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImage_ReadAt(t *testing.T) {
	img := NewImage(X86_64())
	require.NoError(t, img.AddSegment(0x1000, []byte{1, 2, 3, 4}, "a"))

	b, err := img.ReadAt(0x1001, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 3}, b)
}

func TestImage_ReadAt_Unmapped(t *testing.T) {
	img := NewImage(X86_64())
	require.NoError(t, img.AddSegment(0x1000, []byte{1, 2, 3, 4}, "a"))

	_, err := img.ReadAt(0x2000, 4)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnreadable))

	_, err = img.ReadAt(0x1002, 4)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnreadable))
}

func TestImage_ReadAt_SpansAdjacentSegments(t *testing.T) {
	img := NewImage(X86_64())
	require.NoError(t, img.AddSegment(0x1004, []byte{5, 6}, "b"))
	require.NoError(t, img.AddSegment(0x1000, []byte{1, 2, 3, 4}, "a"))

	b, err := img.ReadAt(0x1002, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 4, 5, 6}, b)
}

func TestImage_ReadPartial(t *testing.T) {
	img := NewImage(X86_64())
	require.NoError(t, img.AddSegment(0x1000, []byte{1, 2, 3, 4}, "a"))

	b, err := ReadPartial(img, 0x1002, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 4}, b)

	_, err = ReadPartial(img, 0x3000, 8)
	require.Error(t, err)
}

func TestImage_AddSegment_Overlap(t *testing.T) {
	img := NewImage(X86_64())
	require.NoError(t, img.AddSegment(0x1000, make([]byte, 0x10), "a"))

	err := img.AddSegment(0x1008, make([]byte, 0x10), "b")
	require.Error(t, err)
}

func TestImage_AddMapping_ZeroFill(t *testing.T) {
	img := NewImage(X86_32())
	require.NoError(t, img.AddMapping(Mapping{Start: 0x100, End: 0x110, Name: "bss"}, []byte{0xff}))

	b, err := img.ReadAt(0x100, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0, 0, 0}, b)
}

func TestImage_Write(t *testing.T) {
	img := NewImage(X86_64())
	require.NoError(t, img.AddSegment(0x1000, make([]byte, 0x10), "a"))

	require.NoError(t, img.Write(0x1008, X86_64().Bytes(0x41)))

	v, err := ReadPointer(img, 0x1008)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x41), v)

	require.Error(t, img.Write(0x100c, make([]byte, 8)))
}

func TestFindMapping(t *testing.T) {
	img := NewImage(X86_64())
	require.NoError(t, img.AddSegment(0x1000, make([]byte, 0x10), "[heap]"))
	require.NoError(t, img.AddSegment(0x2000, make([]byte, 0x10), "[stack]"))

	m, ok, err := FindMapping(img, func(m Mapping) bool { return m.Name == "[stack]" })
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(0x2000), m.Start)
	assert.Equal(t, uint64(0x10), m.Size())
}
