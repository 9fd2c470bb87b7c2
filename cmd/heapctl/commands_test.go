package main

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/stephen-fox/heapkit/libc/glibckit"
)

func TestCommands(t *testing.T) {
	target := writeDump(t)

	tests := []struct {
		name           string
		args           []string
		wantContain    []string
		wantNotContain []string
	}{
		{
			name: "bins",
			args: []string{"bins"},
			wantContain: []string{
				"tcachebins",
				"0x20 [  1]:  0x5555555592a0 ◂— 0x0",
				"0x70:        0x5555555592b0 ◂— 0x0",
				"all:         0x555555559340 —▸ 0x55555555b060",
				"smallbins\nempty",
				"largebins\nempty",
			},
		},
		{
			name:           "fastbins",
			args:           []string{"fastbins"},
			wantContain:    []string{"fastbins\n0x70:        0x5555555592b0 ◂— 0x0"},
			wantNotContain: []string{"0x20: "},
		},
		{
			name:        "tcachebins",
			args:        []string{"tcachebins"},
			wantContain: []string{"0x20 [  1]:  0x5555555592a0"},
		},
		{
			name:        "unsortedbin",
			args:        []string{"unsortedbin"},
			wantContain: []string{"all:         0x555555559340"},
		},
		{
			name:        "top",
			args:        []string{"top"},
			wantContain: []string{"Top chunk\n0x5555555593f0 PREV_INUSE"},
		},
		{
			name:        "chunk",
			args:        []string{"chunk", "0x5555555592b0"},
			wantContain: []string{"0x5555555592b0 FASTBIN", "size      = 0x71"},
		},
		{
			name:        "fake chunk",
			args:        []string{"chunk", "--fake", "0x5555555592b0"},
			wantContain: []string{"0x5555555592b0 FAKE FASTBIN"},
		},
		{
			name:        "heap",
			args:        []string{"heap"},
			wantContain: []string{"0x555555559000-0x55555555c000", "0x555555559000 PREV_INUSE", "0x5555555593d0\n"},
		},
		{
			name:        "arena",
			args:        []string{"arena"},
			wantContain: []string{"arena 0x55555555b000", "top              = 0x5555555593f0"},
		},
		{
			name:        "arenas",
			args:        []string{"arenas"},
			wantContain: []string{"0x55555555b000 top: 0x5555555593f0"},
		},
		{
			name:        "vis",
			args:        []string{"vis", "3"},
			wantContain: []string{"<-- tcachebins[0x20][0/1]"},
		},
		{
			name:        "find fake fast",
			args:        []string{"find-fake-fast", "0x555555559300", "0x70"},
			wantContain: []string{"FAKE CHUNKS\n0x5555555592b0 FAKE FASTBIN"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout, _, err := run(t, append(target, tt.args...)...)
			require.NoError(t, err)

			for _, want := range tt.wantContain {
				assert.Contains(t, stdout, want)
			}
			for _, unwanted := range tt.wantNotContain {
				assert.NotContains(t, stdout, unwanted)
			}
		})
	}
}

func TestStateCommand(t *testing.T) {
	stdout, _, err := run(t, append(writeDump(t), "state")...)
	require.NoError(t, err)

	var snapshot struct {
		Bins   map[string]string                   `json:"bins"`
		Chunks map[string][]map[string]interface{} `json:"chunks"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &snapshot))

	assert.Equal(t, "0x5555555592b0", snapshot.Bins["fastbins[0x70]"])
	assert.Equal(t, "0x555555559340", snapshot.Bins["unsortedbin"])
	assert.Len(t, snapshot.Chunks["allchunks"], 7)
}

func TestNothingToShow(t *testing.T) {
	target := writeDump(t)
	target[5] = "0x1000"

	stdout, _, err := run(t, append(target, "heap")...)
	require.NoError(t, err)
	assert.Contains(t, stdout, "nothing to show")
}

func TestCommands_Errors(t *testing.T) {
	_, _, err := run(t, "bins")
	assert.Error(t, err)

	_, _, err = run(t, "--pid", "1", "--core", "x", "bins")
	assert.Error(t, err)

	_, _, err = run(t, append(writeDump(t), "--safe-linking", "maybe", "bins")...)
	assert.Error(t, err)

	_, _, err = run(t, append(writeDump(t), "chunk", "nope")...)
	assert.Error(t, err)

	_, _, err = run(t, append(writeDump(t), "chunk", "0x1000")...)
	assert.Error(t, err)
}

func TestHelpNeedsNoTarget(t *testing.T) {
	stdout, _, err := run(t, "help")
	require.NoError(t, err)
	assert.Contains(t, stdout, "find-fake-fast")
}

func TestHeapCommand_MisalignedSize(t *testing.T) {
	target := writeDump(t)

	raw, err := os.ReadFile(target[1])
	require.NoError(t, err)
	binary.LittleEndian.PutUint64(raw[fastChunk-dumpBase+8:], 0x29)
	require.NoError(t, os.WriteFile(target[1], raw, 0o600))

	stdout, _, err := run(t, append(target, "heap")...)
	require.Error(t, err)
	assert.True(t, errors.Is(err, glibckit.ErrInconsistent))
	assert.Contains(t, err.Error(), "misaligned size 0x28")
	assert.Contains(t, stdout, "0x5555555592b0")
	assert.NotContains(t, stdout, "0x555555559340")
}
