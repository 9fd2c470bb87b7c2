// Package memory provides functionality for reading a target's memory
// without its cooperation.
//
// The Reader interface is the boundary between code that interprets
// target memory and the thing that supplies it. Implementations
// include:
//	- Image, a sparse copy of target memory assembled from segments
//	- OpenCore, which loads the PT_LOAD segments of an ELF core file
//	- MapRawDump, which memory-maps a raw dump at a base address
//	- process.Memory (in the process package), which reads a live
//	  Linux process using process_vm_readv(2)
//
// Reads either return exactly the requested number of bytes or fail
// with an error marked ErrUnreadable. Readers that also implement
// PartialReader may return a shorter prefix, which is only useful
// for bounded scan windows.
package memory
