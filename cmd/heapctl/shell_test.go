package main

import (
	"bytes"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openShellApp sets up an app the way the shell command does,
// without starting an interactive prompt.
func openShellApp(t *testing.T) (*app, *bytes.Buffer) {
	t.Helper()

	stdout := bytes.NewBuffer(nil)
	a := newApp(stdout, bytes.NewBuffer(nil))

	root := a.rootCmd()
	require.NoError(t, root.ParseFlags(writeDump(t)))

	shell, _, err := root.Find([]string{"shell"})
	require.NoError(t, err)
	require.NoError(t, a.setup(shell, nil))
	t.Cleanup(func() { a.close() })

	return a, stdout
}

func TestExecLine(t *testing.T) {
	a, stdout := openShellApp(t)

	require.NoError(t, a.execLine(`fastbins`))
	assert.Contains(t, stdout.String(), "0x5555555592b0 ◂— 0x0")

	stdout.Reset()
	require.NoError(t, a.execLine(`chunk --fake 0x5555555592b0`))
	assert.Contains(t, stdout.String(), "FAKE FASTBIN")

	// Flags do not carry over to the next line.
	stdout.Reset()
	require.NoError(t, a.execLine(`chunk 0x5555555592b0`))
	assert.NotContains(t, stdout.String(), "FAKE")

	stdout.Reset()
	require.NoError(t, a.execLine(`refresh`))
	assert.Contains(t, stdout.String(), "3 non-empty bins, 7 chunks")

	require.NoError(t, a.execLine(`   `))

	assert.True(t, errors.Is(a.execLine(`quit`), errExitShell))
	assert.Error(t, a.execLine(`no-such-command`))
	assert.Error(t, a.execLine(`chunk "0x1`))
}

func TestShellRoot(t *testing.T) {
	a := newApp(bytes.NewBuffer(nil), bytes.NewBuffer(nil))

	root := a.shellRoot()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}

	assert.Contains(t, names, "refresh")
	assert.Contains(t, names, "exit")
	assert.Contains(t, names, "vis")
	assert.NotContains(t, names, "shell")
}
