// heapctl reconstructs the glibc heap of a live process, a core
// file, or a raw memory dump.
//
// Run "heapctl help" for a list of commands. "heapctl shell" keeps
// the target open and accepts the same commands interactively.
package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-colorable"
)

func main() {
	app := newApp(colorable.NewColorableStdout(), os.Stderr)

	err := app.rootCmd().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
