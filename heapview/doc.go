// Package heapview presents glibc heap state reconstructed by the
// glibckit package.
//
// A Snapshot is a completed, serializable record of one query. It
// never references target memory, so it can be handed to another
// goroutine or process. Server relays snapshots to HTTP and
// websocket clients, and Text renders allocator state for a
// terminal.
package heapview
