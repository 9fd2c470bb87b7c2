package glibckit

// RevealPtr reverses glibc's PROTECT_PTR. stored is the value found
// at address pos, the address of the protected field itself.
//
// Protecting and revealing are the same operation.
func RevealPtr(pos uint64, stored uint64) uint64 {
	return (pos >> 12) ^ stored
}

// ReverseLink reveals a singly linked free-list pointer read from
// the fd field at chunkAddress+fdOffset. It returns raw unchanged
// when enabled is false.
//
// Fastbin links use the chunk address and an fdOffset of two
// pointers. Thread-cache links use the entry (user data) address
// and an fdOffset of zero.
func ReverseLink(raw uint64, chunkAddress uint64, fdOffset uint64, enabled bool) uint64 {
	if !enabled {
		return raw
	}
	return RevealPtr(chunkAddress+fdOffset, raw)
}
