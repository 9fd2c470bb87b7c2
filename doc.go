// Package heapkit reconstructs the state of the glibc malloc
// allocator from the memory of a live process, a core file, or a
// raw memory dump.
//
// APIs are separated into subpackages, and documented accordingly.
// The heapctl command in cmd/heapctl ties them together.
//
// For scripting convenience, "OrExit" functions and methods are provided.
// Any errors encountered by these functions are treated as fatal. In such
// cases, an exit handler function is invoked.
package heapkit
