package memory

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	ArchX86   Arch = "x86"
	ArchARM   Arch = "arm"
	ArchOther Arch = "other"
)

// Arch identifies the instruction set of a target. It only matters
// for allocator layout quirks and disassembly.
type Arch string

// X86_32 returns the Platform for 32-bit x86 targets.
func X86_32() Platform {
	return Platform{
		Arch:        ArchX86,
		PointerSize: 4,
		ByteOrder:   binary.LittleEndian,
	}
}

// X86_64 returns the Platform for 64-bit x86 targets.
func X86_64() Platform {
	return Platform{
		Arch:        ArchX86,
		PointerSize: 8,
		ByteOrder:   binary.LittleEndian,
	}
}

// ARM32 returns the Platform for 32-bit little endian ARM targets.
func ARM32() Platform {
	return Platform{
		Arch:        ArchARM,
		PointerSize: 4,
		ByteOrder:   binary.LittleEndian,
	}
}

// PlatformForOrExit calls PlatformFor. It calls DefaultExitFn if an
// error occurs.
func PlatformForOrExit(arch Arch, pointerSize int, byteOrder binary.ByteOrder) Platform {
	p, err := PlatformFor(arch, pointerSize, byteOrder)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to create platform - %w", err))
	}
	return p
}

// PlatformFor validates and returns a Platform.
func PlatformFor(arch Arch, pointerSize int, byteOrder binary.ByteOrder) (Platform, error) {
	if byteOrder == nil {
		return Platform{}, errors.New("byte order cannot be nil")
	}

	if pointerSize != 4 && pointerSize != 8 {
		return Platform{}, errors.Newf("unsupported pointer size: %d", pointerSize)
	}

	if arch == "" {
		arch = ArchOther
	}

	return Platform{
		Arch:        arch,
		PointerSize: pointerSize,
		ByteOrder:   byteOrder,
	}, nil
}

// ParsePlatform parses a platform name such as "x86_64", "x86_32",
// "i386", "amd64", or "arm".
func ParsePlatform(name string) (Platform, error) {
	switch strings.ToLower(name) {
	case "x86_64", "amd64", "x64":
		return X86_64(), nil
	case "x86_32", "x86", "i386", "386":
		return X86_32(), nil
	case "arm", "arm32":
		return ARM32(), nil
	default:
		return Platform{}, errors.Newf("unknown platform: %q", name)
	}
}

// Platform describes how the target lays out pointers in memory.
type Platform struct {
	Arch        Arch
	PointerSize int
	ByteOrder   binary.ByteOrder
}

// Bits returns the pointer width in bits.
func (o Platform) Bits() int {
	return o.PointerSize * 8
}

// Mask returns the largest value that fits in a pointer.
func (o Platform) Mask() uint64 {
	if o.PointerSize == 4 {
		return 0xffffffff
	}
	return ^uint64(0)
}

// Uint decodes a pointer-sized unsigned integer from the start of b.
// b must be at least PointerSize bytes long.
func (o Platform) Uint(b []byte) uint64 {
	switch o.PointerSize {
	case 4:
		return uint64(o.ByteOrder.Uint32(b))
	case 8:
		return o.ByteOrder.Uint64(b)
	default:
		panic(fmt.Sprintf("unsupported pointer size: %d", o.PointerSize))
	}
}

// PutUint encodes v as a pointer-sized unsigned integer at the start of b.
func (o Platform) PutUint(b []byte, v uint64) {
	switch o.PointerSize {
	case 4:
		o.ByteOrder.PutUint32(b, uint32(v))
	case 8:
		o.ByteOrder.PutUint64(b, v)
	default:
		panic(fmt.Sprintf("unsupported pointer size: %d", o.PointerSize))
	}
}

// Bytes encodes v as a pointer-sized []byte.
func (o Platform) Bytes(v uint64) []byte {
	b := make([]byte, o.PointerSize)
	o.PutUint(b, v)
	return b
}

// Pointer returns a Pointer for address on this platform.
func (o Platform) Pointer(address uint64) Pointer {
	return Pointer{
		Address:  address & o.Mask(),
		platform: o,
	}
}

// ParsePointer parses a hex ("0x"-prefixed) or decimal address.
func (o Platform) ParsePointer(s string) (Pointer, error) {
	s = strings.TrimSpace(s)

	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base = 16
		s = s[2:]
	}

	address, err := strconv.ParseUint(s, base, o.Bits())
	if err != nil {
		return Pointer{}, errors.Wrapf(err, "failed to parse address %q", s)
	}

	return o.Pointer(address), nil
}

// Pointer is an address in the target's address space.
type Pointer struct {
	Address  uint64
	platform Platform
}

// Bytes returns the pointer encoded in the target's byte order.
func (o Pointer) Bytes() []byte {
	return o.platform.Bytes(o.Address)
}

// Offset returns a new Pointer that is n bytes away from o.
func (o Pointer) Offset(n int64) Pointer {
	return o.platform.Pointer(uint64(int64(o.Address) + n))
}

// HexString returns the address as a zero-padded hex string.
func (o Pointer) HexString() string {
	return fmt.Sprintf("0x%0*x", o.platform.PointerSize*2, o.Address)
}
