// Package asmkit disassembles machine code found in target memory,
// such as shellcode sitting in a heap chunk.
package asmkit

import (
	"bytes"
	"fmt"
	"io"

	"gitlab.com/stephen-fox/heapkit/memory"
	"golang.org/x/arch/arm/armasm"
	"golang.org/x/arch/x86/x86asm"
)

const (
	SkipSyntax  DisassemblySyntax = ""
	ATTSyntax   DisassemblySyntax = "att"
	GoSyntax    DisassemblySyntax = "go"
	IntelSyntax DisassemblySyntax = "intel"
)

type DisassemblySyntax string

type DisassemblerConfig struct {
	// Src provides the raw instructions.
	Src io.Reader

	// OptBaseAddr is the address of the first instruction.
	OptBaseAddr uint64

	Syntax     DisassemblySyntax
	ArchConfig interface{}
}

type X86Config struct {
	Bits int
}

type ARMConfig struct {
	Mode armasm.Mode
}

// ArchConfigFor returns the DisassemblerConfig.ArchConfig for
// a target platform.
func ArchConfigFor(platform memory.Platform) (interface{}, error) {
	switch platform.Arch {
	case memory.ArchX86:
		return X86Config{Bits: platform.Bits()}, nil
	case memory.ArchARM:
		if platform.PointerSize != 4 {
			return nil, fmt.Errorf("unsupported arm pointer size: %d", platform.PointerSize)
		}
		return ARMConfig{Mode: armasm.ModeARM}, nil
	default:
		return nil, fmt.Errorf("disassembly is not supported for arch %q", platform.Arch)
	}
}

// DefaultSyntaxFor returns the syntax usually used for a platform.
func DefaultSyntaxFor(platform memory.Platform) DisassemblySyntax {
	if platform.Arch == memory.ArchARM {
		return ATTSyntax
	}
	return IntelSyntax
}

func NewDisassembler(config DisassemblerConfig) (*Disassembler, error) {
	if config.Src == nil {
		return nil, fmt.Errorf("instruction source cannot be nil")
	}

	var decodeFn func(remainingInsts []byte, pc uint64) (Inst, error)

	switch assertedConfig := config.ArchConfig.(type) {
	case ARMConfig:
		var dissassemFn func(inst armasm.Inst) string
		switch config.Syntax {
		case SkipSyntax:
			// Do nothing.
		case ATTSyntax:
			dissassemFn = armasm.GNUSyntax
		default:
			return nil, fmt.Errorf("unsupported syntax type for arm: %s", config.Syntax)
		}

		decodeFn = func(remainingInsts []byte, pc uint64) (Inst, error) {
			armInst, err := armasm.Decode(remainingInsts, assertedConfig.Mode)
			if err != nil {
				return Inst{}, err
			}

			var disassembly string
			if dissassemFn != nil {
				disassembly = dissassemFn(armInst)
			}

			return Inst{
				Bin:      copySlice(remainingInsts, armInst.Len),
				Len:      armInst.Len,
				Assembly: disassembly,
				Inst:     armInst,
			}, nil
		}
	case X86Config:
		var disassemblyFn func(inst x86asm.Inst, pc uint64) string
		switch config.Syntax {
		case SkipSyntax:
			// Do nothing.
		case ATTSyntax:
			disassemblyFn = func(inst x86asm.Inst, pc uint64) string {
				return x86asm.GNUSyntax(inst, pc, nil)
			}
		case GoSyntax:
			disassemblyFn = func(inst x86asm.Inst, pc uint64) string {
				return x86asm.GoSyntax(inst, pc, nil)
			}
		case IntelSyntax:
			disassemblyFn = func(inst x86asm.Inst, pc uint64) string {
				return x86asm.IntelSyntax(inst, pc, nil)
			}
		default:
			return nil, fmt.Errorf("unsupported syntax type for x86: %q", config.Syntax)
		}

		decodeFn = func(remainingInsts []byte, pc uint64) (Inst, error) {
			x86Inst, err := x86asm.Decode(remainingInsts, assertedConfig.Bits)
			if err != nil {
				return Inst{}, err
			}

			var disassembly string
			if disassemblyFn != nil {
				disassembly = disassemblyFn(x86Inst, pc)
			}

			return Inst{
				Bin:      copySlice(remainingInsts, x86Inst.Len),
				Len:      x86Inst.Len,
				Assembly: disassembly,
				Inst:     x86Inst,
			}, nil
		}
	default:
		return nil, fmt.Errorf("unsupported config type: %T", assertedConfig)
	}

	raw, err := io.ReadAll(config.Src)
	if err != nil {
		return nil, fmt.Errorf("failed to read instructions - %w", err)
	}

	return &Disassembler{
		raw:      raw,
		base:     config.OptBaseAddr,
		decodeFn: decodeFn,
	}, nil
}

func copySlice(src []byte, numBytes int) []byte {
	cp := make([]byte, numBytes)

	copy(cp, src[0:numBytes])

	return cp
}

// Disassembler decodes one instruction per call to Next, in the
// same manner as bufio.Scanner.
type Disassembler struct {
	raw      []byte
	base     uint64
	index    int
	decodeFn func(remainingInsts []byte, pc uint64) (Inst, error)
	current  Inst
	err      error
}

// Next decodes the next instruction. It returns false when the
// data runs out or an instruction cannot be decoded.
func (o *Disassembler) Next() bool {
	if o.err != nil || o.index >= len(o.raw) {
		return false
	}

	pc := o.base + uint64(o.index)

	inst, err := o.decodeFn(o.raw[o.index:], pc)
	if err != nil {
		o.err = fmt.Errorf("failed to decode instruction at offset %d - %w - remaining data: 0x%x",
			o.index, err, o.raw[o.index:])
		return false
	}

	inst.Index = o.index
	inst.Address = pc
	o.index += inst.Len
	o.current = inst

	return true
}

// Inst returns the instruction decoded by the last call to Next.
func (o *Disassembler) Inst() Inst {
	return o.current
}

// Err returns the decoding error that stopped Next, if any.
func (o *Disassembler) Err() error {
	return o.err
}

type Inst struct {
	Address  uint64
	Bin      []byte
	Len      int
	Index    int
	Assembly string
	Inst     interface{}
}

// DisassembleMemory decodes up to length bytes of instructions at
// address. Instructions that were decoded before a decoding error
// are returned along with the error.
func DisassembleMemory(r memory.Reader, address uint64, length int, syntax DisassemblySyntax) ([]Inst, error) {
	archConfig, err := ArchConfigFor(r.Platform())
	if err != nil {
		return nil, err
	}

	raw, err := memory.ReadPartial(r, address, length)
	if err != nil {
		return nil, err
	}

	disass, err := NewDisassembler(DisassemblerConfig{
		Src:         bytes.NewReader(raw),
		OptBaseAddr: address,
		Syntax:      syntax,
		ArchConfig:  archConfig,
	})
	if err != nil {
		return nil, err
	}

	var insts []Inst
	for disass.Next() {
		insts = append(insts, disass.Inst())
	}

	return insts, disass.Err()
}
