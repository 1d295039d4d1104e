package elfgot

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"runtime"
)

// Arch describes the relocation conventions of one target architecture.
type Arch struct {
	Machine   elf.Machine
	Class     elf.Class
	ByteOrder binary.ByteOrder

	// Rela is true when the architecture uses explicit addend relocations.
	Rela bool

	JumpSlot uint32
	GlobDat  uint32
	Abs      uint32
}

var (
	archAMD64 = Arch{
		Machine: elf.EM_X86_64, Class: elf.ELFCLASS64, ByteOrder: binary.LittleEndian, Rela: true,
		JumpSlot: uint32(elf.R_X86_64_JMP_SLOT), GlobDat: uint32(elf.R_X86_64_GLOB_DAT), Abs: uint32(elf.R_X86_64_64),
	}
	arch386 = Arch{
		Machine: elf.EM_386, Class: elf.ELFCLASS32, ByteOrder: binary.LittleEndian,
		JumpSlot: uint32(elf.R_386_JMP_SLOT), GlobDat: uint32(elf.R_386_GLOB_DAT), Abs: uint32(elf.R_386_32),
	}
	archARM64 = Arch{
		Machine: elf.EM_AARCH64, Class: elf.ELFCLASS64, ByteOrder: binary.LittleEndian, Rela: true,
		JumpSlot: uint32(elf.R_AARCH64_JUMP_SLOT), GlobDat: uint32(elf.R_AARCH64_GLOB_DAT), Abs: uint32(elf.R_AARCH64_ABS64),
	}
	archARM = Arch{
		Machine: elf.EM_ARM, Class: elf.ELFCLASS32, ByteOrder: binary.LittleEndian,
		JumpSlot: uint32(elf.R_ARM_JUMP_SLOT), GlobDat: uint32(elf.R_ARM_GLOB_DAT), Abs: uint32(elf.R_ARM_ABS32),
	}
)

// ArchFor returns the conventions for a Go GOARCH value.
func ArchFor(goarch string) (Arch, error) {
	switch goarch {
	case "amd64":
		return archAMD64, nil
	case "386":
		return arch386, nil
	case "arm64":
		return archARM64, nil
	case "arm":
		return archARM, nil
	default:
		return Arch{}, fmt.Errorf("unsupported architecture: %s", goarch)
	}
}

// CurrentArch returns the conventions of the running process.
func CurrentArch() (Arch, error) {
	return ArchFor(runtime.GOARCH)
}

func (a Arch) wordSize() int {
	if a.Class == elf.ELFCLASS64 {
		return 8
	}
	return 4
}

func (a Arch) hooks(typ uint32) bool {
	return typ == a.JumpSlot || typ == a.GlobDat || typ == a.Abs
}
