package heapview_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/stephen-fox/heapkit/heapview"
	"gitlab.com/stephen-fox/heapkit/internal/heaptest"
	"gitlab.com/stephen-fox/heapkit/libc/glibckit"
	"gitlab.com/stephen-fox/heapkit/memory"
)

func TestBuildSnapshot(t *testing.T) {
	s, err := heapview.BuildSnapshot(newFixture(t), heapview.SnapshotConfig{})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"tcachebins[0x20]":      "0x5555555592a0",
		"fastbins[0x70]":        "0x5555555592b0",
		"unsortedbin":           "0x555555559340",
		heapview.AllChunksName: "0x555555559000",
	}, s.Bins)

	tcached := s.Chunks["tcachebins[0x20]"]
	require.Len(t, tcached, 1)
	assert.Equal(t, "0x555555559290", tcached[0].Address)
	assert.Equal(t, "0x20", tcached[0].ChunkSize)
	assert.Equal(t, "1", tcached[0].PrevInUse)

	unsorted := s.Chunks["unsortedbin"]
	require.Len(t, unsorted, 1)
	assert.Equal(t, heapview.ChunkRecord{
		Index:        "0x0",
		Address:      "0x555555559340",
		PrevSize:     "0x0",
		ChunkSize:    "0x90",
		NonMainArena: "0",
		IsMmapped:    "0",
		PrevInUse:    "1",
		Fd:           "0x7ffff7e19ce0",
		Bk:           "0x7ffff7e19ce0",
	}, unsorted[0])

	all := s.Chunks[heapview.AllChunksName]
	require.Len(t, all, 7)
	assert.Equal(t, "0x6", all[6].Index)
	assert.Equal(t, "0x5555555593f0", all[6].Address)
	assert.Equal(t, "0x0", all[5].PrevInUse)
	assert.Equal(t, "0x90", all[5].PrevSize)
}

func TestBuildSnapshot_MaxChunks(t *testing.T) {
	s, err := heapview.BuildSnapshot(newFixture(t), heapview.SnapshotConfig{MaxChunks: 2})
	require.NoError(t, err)

	assert.Len(t, s.Chunks[heapview.AllChunksName], 2)
}

func TestBuildSnapshot_JSON(t *testing.T) {
	s, err := heapview.BuildSnapshot(newFixture(t), heapview.SnapshotConfig{})
	require.NoError(t, err)

	raw, err := s.JSON()
	require.NoError(t, err)

	var decoded struct {
		Bins   map[string]string              `json:"bins"`
		Chunks map[string][]map[string]string `json:"chunks"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, "0x5555555592b0", decoded.Bins["fastbins[0x70]"])
	require.Len(t, decoded.Chunks["fastbins[0x70]"], 1)
	assert.Equal(t, "0x70", decoded.Chunks["fastbins[0x70]"][0]["chunkSize"])
	assert.Contains(t, decoded.Chunks["fastbins[0x70]"][0], "nonMainArena")
}

func TestBuildSnapshot_UnreadableChunk(t *testing.T) {
	l, err := glibckit.LayoutFor(memory.X86_64(), "2.31")
	require.NoError(t, err)

	b := heaptest.New(l)
	libc := b.Segment("libc-2.31.so", libcBase, 0x2000)
	heap := b.Segment("[heap]", heapBase, 0x1000)
	heap.Chunk(0x291)
	heap.Chunk(0x1000 - 0x290)

	libc.InitArena(arenaAddr, heapBase+0x290)
	libc.Fastbin(arenaAddr, 0, 0x13370000)

	img, err := b.Image()
	require.NoError(t, err)

	h, err := glibckit.NewHeap(img, glibckit.Config{Layout: l, OptArenaAddr: arenaAddr})
	require.NoError(t, err)

	s, err := heapview.BuildSnapshot(h, heapview.SnapshotConfig{})
	require.NoError(t, err)

	assert.Equal(t, "0x13370000", s.Bins["fastbins[0x20]"])
	require.Len(t, s.Chunks["fastbins[0x20]"], 1)
	assert.Equal(t, heapview.None, s.Chunks["fastbins[0x20]"][0].ChunkSize)
	assert.Equal(t, heapview.None, s.Chunks["fastbins[0x20]"][0].Fd)
}

func TestBuildSnapshot_NothingToShow(t *testing.T) {
	l, err := glibckit.LayoutFor(memory.X86_64(), "2.35")
	require.NoError(t, err)

	b := heaptest.New(l)
	b.Segment("anon", heapBase, 0x1000)

	img, err := b.Image()
	require.NoError(t, err)

	h, err := glibckit.NewHeap(img, glibckit.Config{Layout: l})
	require.NoError(t, err)

	_, err = heapview.BuildSnapshot(h, heapview.SnapshotConfig{})
	assert.Error(t, err)
}

func TestBuildSnapshot_MisalignedChunk(t *testing.T) {
	l, err := glibckit.LayoutFor(memory.X86_64(), "2.35")
	require.NoError(t, err)

	b := heaptest.New(l)
	libc := b.Segment("libc.so.6", libcBase, 0x2000)
	heap := b.Segment("[heap]", heapBase, 0x1000)
	heap.Chunk(0x291)
	heap.Chunk(0x29)
	heap.Chunk(0x21)

	libc.InitArena(arenaAddr, heapBase+0x2c0)

	img, err := b.Image()
	require.NoError(t, err)

	h, err := glibckit.NewHeap(img, glibckit.Config{Layout: l, OptArenaAddr: arenaAddr})
	require.NoError(t, err)

	s, err := heapview.BuildSnapshot(h, heapview.SnapshotConfig{})
	require.NoError(t, err)

	all := s.Chunks[heapview.AllChunksName]
	require.Len(t, all, 2)
	assert.Equal(t, "0x28", all[1].ChunkSize)

	require.Len(t, s.Errors, 1)
	assert.Contains(t, s.Errors[0], "misaligned size 0x28")

	raw, err := s.JSON()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"errors":[`)
}
