package process

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exampleMaps = `555555554000-555555555000 r--p 00000000 08:01 1048602                    /tmp/vuln
555555558000-555555559000 rw-p 00003000 08:01 1048602                    /tmp/vuln
55555555a000-55555557b000 rw-p 00000000 00:00 0                          [heap]
7ffff7d80000-7ffff7da8000 r--p 00000000 08:01 2883591                    /usr/lib/x86_64-linux-gnu/libc.so.6
7ffff7ffd000-7ffff7fff000 rw-p 00000000 00:00 0
7ffffffde000-7ffffffff000 rw-p 00000000 00:00 0                          [stack]
`

func TestParseMaps(t *testing.T) {
	mappings, err := ParseMaps(strings.NewReader(exampleMaps))
	require.NoError(t, err)
	require.Len(t, mappings, 6)

	heap := mappings[2]
	assert.Equal(t, uint64(0x55555555a000), heap.Start)
	assert.Equal(t, uint64(0x55555557b000), heap.End)
	assert.Equal(t, "rw-p", heap.Perms)
	assert.Equal(t, "[heap]", heap.Name)
	assert.Equal(t, uint64(0x21000), heap.Size())

	assert.Equal(t, "", mappings[4].Name)
	assert.True(t, mappings[3].Readable())
}

func TestParseMaps_PathWithSpaces(t *testing.T) {
	mappings, err := ParseMaps(strings.NewReader(
		"00400000-00401000 r-xp 00000000 08:01 1 /tmp/my dir/prog\n"))
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	assert.Equal(t, "/tmp/my dir/prog", mappings[0].Name)
}

func TestParseMaps_Malformed(t *testing.T) {
	_, err := ParseMaps(strings.NewReader("zzzz-0000 rw-p 0 0 0\n"))
	require.Error(t, err)

	_, err = ParseMaps(strings.NewReader("00400000 rw-p 0 0 0\n"))
	require.Error(t, err)
}
