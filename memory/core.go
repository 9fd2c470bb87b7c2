package memory

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
)

// OpenCoreOrExit calls OpenCore. It calls DefaultExitFn if an
// error occurs.
func OpenCoreOrExit(path string) *Image {
	img, err := OpenCore(path)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to open core file - %w", err))
	}
	return img
}

// OpenCore loads the PT_LOAD segments of an ELF core file into
// an *Image. The platform is derived from the ELF header.
//
// Core files do not name anonymous mappings, so the heap region
// must be located by address (see glibckit.Config.OptHeapAddr).
func OpenCore(path string) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open elf file %q", path)
	}
	defer f.Close()

	if f.Type != elf.ET_CORE {
		return nil, errors.Newf("%q is not a core file (type: %s)", path, f.Type)
	}

	platform, err := platformForELF(f)
	if err != nil {
		return nil, err
	}

	img := NewImage(platform)

	for i, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}

		data := make([]byte, prog.Filesz)
		_, err := io.ReadFull(prog.Open(), data)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read segment %d", i)
		}

		err = img.AddMapping(Mapping{
			Start: prog.Vaddr,
			End:   prog.Vaddr + prog.Memsz,
			Perms: progPerms(prog.Flags),
			Name:  fmt.Sprintf("load%d", i),
		}, data)
		if err != nil {
			return nil, err
		}
	}

	return img, nil
}

func platformForELF(f *elf.File) (Platform, error) {
	var byteOrder binary.ByteOrder = binary.LittleEndian
	if f.Data == elf.ELFDATA2MSB {
		byteOrder = binary.BigEndian
	}

	ptrSize := 8
	if f.Class == elf.ELFCLASS32 {
		ptrSize = 4
	}

	arch := ArchOther
	switch f.Machine {
	case elf.EM_386, elf.EM_X86_64:
		arch = ArchX86
	case elf.EM_ARM:
		arch = ArchARM
	}

	return PlatformFor(arch, ptrSize, byteOrder)
}

// PlatformForELF reads the ELF header from r and returns
// the matching Platform.
func PlatformForELF(r io.ReaderAt) (Platform, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return Platform{}, errors.Wrap(err, "failed to parse elf header")
	}
	defer f.Close()

	return platformForELF(f)
}

func progPerms(flags elf.ProgFlag) string {
	perms := []byte("---p")
	if flags&elf.PF_R != 0 {
		perms[0] = 'r'
	}
	if flags&elf.PF_W != 0 {
		perms[1] = 'w'
	}
	if flags&elf.PF_X != 0 {
		perms[2] = 'x'
	}
	return string(perms)
}
