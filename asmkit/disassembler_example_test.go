package asmkit_test

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"

	"gitlab.com/stephen-fox/heapkit/asmkit"
	"gitlab.com/stephen-fox/heapkit/memory"
)

func ExampleDisassembler() {
	// exit(1) syscall shellcode by Charles Stevenson:
	// http://shell-storm.org/shellcode/files/shellcode-55.php
	hexEncodedInsts := "31c04089c3cd80"

	disass, err := asmkit.NewDisassembler(asmkit.DisassemblerConfig{
		Src:        hex.NewDecoder(strings.NewReader(hexEncodedInsts)),
		Syntax:     asmkit.IntelSyntax,
		ArchConfig: asmkit.X86Config{Bits: 32},
	})
	if err != nil {
		log.Fatalf("failed to create disassembler - %v", err)
	}

	for disass.Next() {
		fmt.Println(disass.Inst().Assembly)
	}

	err = disass.Err()
	if err != nil {
		log.Fatalf("disassembler failed - %v", err)
	}

	// Output:
	// xor eax, eax
	// inc eax
	// mov ebx, eax
	// int 0x80
}

func ExampleDisassembleMemory() {
	img := memory.NewImage(memory.X86_64())

	// Shellcode left in the user data of a heap chunk.
	err := img.AddSegment(0x55555555a2b0, []byte{0x48, 0x31, 0xc0, 0x90, 0xc3}, "[heap]")
	if err != nil {
		log.Fatalln(err)
	}

	insts, err := asmkit.DisassembleMemory(img, 0x55555555a2b0, 5, asmkit.IntelSyntax)
	if err != nil {
		log.Fatalln(err)
	}

	for _, inst := range insts {
		fmt.Printf("0x%x: %s\n", inst.Address, inst.Assembly)
	}

	// Output:
	// 0x55555555a2b0: xor rax, rax
	// 0x55555555a2b3: nop
	// 0x55555555a2b4: ret
}
