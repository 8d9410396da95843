package linker

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"unicode"

	"github.com/ksco/rld/pkg/utils"
)

type FileType = int8

const (
	FileTypeUnknown FileType = iota
	FileTypeEmpty
	FileTypeObject
	FileTypeDso
	FileTypeAr
	FileTypeThinAr
	FileTypeText
)

func CheckMagic(contents []byte) bool {
	return bytes.HasPrefix(contents, []byte(elf.ELFMAG))
}

func GetFileType(contents []byte) FileType {
	if len(contents) == 0 {
		return FileTypeEmpty
	}

	if CheckMagic(contents) {
		if len(contents) < 18 {
			return FileTypeUnknown
		}
		switch elf.Type(binary.LittleEndian.Uint16(contents[16:])) {
		case elf.ET_REL:
			return FileTypeObject
		case elf.ET_DYN:
			return FileTypeDso
		}
		return FileTypeUnknown
	}

	if bytes.HasPrefix(contents, []byte("!<arch>\n")) {
		return FileTypeAr
	}
	if bytes.HasPrefix(contents, []byte("!<thin>\n")) {
		return FileTypeThinAr
	}

	isTextFile := func() bool {
		return len(contents) >= 4 &&
			unicode.IsPrint(rune(contents[0])) &&
			unicode.IsPrint(rune(contents[1])) &&
			unicode.IsPrint(rune(contents[2])) &&
			unicode.IsPrint(rune(contents[3]))
	}

	if isTextFile() {
		return FileTypeText
	}

	return FileTypeUnknown
}

func CheckFileCompatibility(ctx *Context, file *File) {
	mt := GetMachineTypeFromContents(file.Contents)
	if mt != ctx.Arg.Emulation {
		utils.Fatal(fmt.Sprintf("%s: incompatible file type %s, expected %s",
			file.DisplayName(), MachineTypeStringer{mt}, MachineTypeStringer{ctx.Arg.Emulation}))
	}
}
