package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/stephen-fox/heapkit/internal/heaptest"
	"gitlab.com/stephen-fox/heapkit/libc/glibckit"
	"gitlab.com/stephen-fox/heapkit/memory"
)

const (
	dumpBase  = 0x555555559000
	dumpSize  = 0x3000
	dumpArena = dumpBase + 0x2000

	fastChunk     = dumpBase + 0x2b0
	unsortedChunk = dumpBase + 0x340
	topChunk      = dumpBase + 0x3f0
)

// writeDump writes a raw dump of a small glibc 2.35 heap followed
// by its arena, and returns the flags needed to read it.
func writeDump(t *testing.T) []string {
	t.Helper()

	l, err := glibckit.LayoutFor(memory.X86_64(), "2.35")
	require.NoError(t, err)

	b := heaptest.New(l)
	seg := b.Segment("dump", dumpBase, dumpSize)

	tcache := seg.Chunk(0x291) + 0x10
	tcached := seg.Chunk(0x21)
	seg.Chunk(0x71)
	seg.Chunk(0x21)
	seg.Chunk(0x91)
	guard := seg.Chunk(0x20)
	seg.PrevSize(guard, 0x90)
	top := seg.Cursor()
	seg.Chunk((dumpArena - top) | glibckit.PrevInUse)

	seg.Tcache(tcache, 0, 1, tcached+0x10)
	seg.TcacheLink(tcached+0x10, 0)
	seg.FastLink(fastChunk, 0)

	sentinel := l.BinSentinel(dumpArena, 1)
	seg.InitArena(dumpArena, top)
	seg.Fastbin(dumpArena, 5, fastChunk)
	seg.BinLinks(dumpArena, 1, unsortedChunk, unsortedChunk)
	seg.Links(unsortedChunk, sentinel, sentinel)

	img, err := b.Image()
	require.NoError(t, err)

	raw, err := img.ReadAt(dumpBase, dumpSize)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "heap.bin")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	return []string{
		"--raw", path,
		"--raw-base", "0x555555559000",
		"--heap", "0x555555559000",
		"--arena", "0x55555555b000",
		"--no-color",
	}
}

// run executes heapctl with args and returns its standard output
// and standard error.
func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	stdout := bytes.NewBuffer(nil)
	stderr := bytes.NewBuffer(nil)

	root := newApp(stdout, stderr).rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()

	return stdout.String(), stderr.String(), err
}
