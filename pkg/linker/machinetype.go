package linker

import (
	"debug/elf"
	"encoding/binary"
)

type MachineType = int8

const (
	MachineTypeNone MachineType = iota
	MachineTypeRISCV64
)

func GetMachineTypeFromContents(contents []byte) MachineType {
	switch GetFileType(contents) {
	case FileTypeObject, FileTypeDso:
		if len(contents) < 20 {
			return MachineTypeNone
		}
		machine := binary.LittleEndian.Uint16(contents[18:])
		if machine == uint16(elf.EM_RISCV) &&
			contents[elf.EI_CLASS] == byte(elf.ELFCLASS64) &&
			contents[elf.EI_DATA] == byte(elf.ELFDATA2LSB) {
			return MachineTypeRISCV64
		}
	}

	return MachineTypeNone
}

type MachineTypeStringer struct {
	MachineType
}

func (mts MachineTypeStringer) String() string {
	if mts.MachineType == MachineTypeRISCV64 {
		return "riscv64"
	}
	return "none"
}
