// Package glibckit reconstructs the state of the glibc malloc
// allocator from a target's memory.
//
// Everything is decoded from a memory.Reader using a Layout, which
// holds the structure offsets and size classes of a particular
// platform and glibc version. Heap ties these together for a single
// target and is the usual entry point:
//
//	layout := glibckit.LayoutForOrExit(proc.Platform(), "2.35")
//	heap := glibckit.NewHeapOrExit(proc, glibckit.Config{Layout: layout})
//	bins, err := heap.Bins(0)
//
// Target memory is assumed to be hostile. Free lists are walked with
// a step cap, back links are verified, and a malformed structure is
// reported as a corrupted Bin or an error marked ErrInconsistent
// rather than a crash. Errors marked ErrNotFound mean there is
// nothing to show, for example because a process has no heap yet.
package glibckit
