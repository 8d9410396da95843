package linker

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/ksco/rld/pkg/utils"
)

type ArHdr struct {
	Name [16]byte
	Date [12]byte
	Uid  [6]byte
	Gid  [6]byte
	Mode [8]byte
	Size [10]byte
	Fmag [2]byte
}

var arHdrSize = binary.Size(ArHdr{})

func (a *ArHdr) StartsWith(s string) bool {
	return string(a.Name[:len(s)]) == s
}

func (a *ArHdr) IsStrtab() bool {
	return a.StartsWith("// ")
}

func (a *ArHdr) IsSymtab() bool {
	return a.StartsWith("/ ") || a.StartsWith("/SYM64/ ")
}

// ReadName decodes the member name. BSD long names are stored at the start
// of the body, which ReadName consumes from ptr.
func (a *ArHdr) ReadName(strTab []byte, ptr *[]byte) string {
	if a.StartsWith("#1/") {
		nameLen, err := strconv.Atoi(strings.TrimSpace(string(a.Name[3:])))
		utils.MustNo(err)
		name := (*ptr)[:nameLen]
		*ptr = (*ptr)[nameLen:]

		if end := bytes.IndexByte(name, 0); end != -1 {
			name = name[:end]
		}
		return string(name)
	}

	// SysV long name: /offset into the // table.
	if a.StartsWith("/") {
		start, err := strconv.Atoi(strings.TrimSpace(string(a.Name[1:])))
		utils.MustNo(err)
		end := start + bytes.Index(strTab[start:], []byte("/\n"))
		return string(strTab[start:end])
	}

	if end := bytes.IndexByte(a.Name[:], '/'); end != -1 {
		return string(a.Name[:end])
	}
	return strings.TrimRight(string(a.Name[:]), " ")
}

func (a *ArHdr) GetSize() int {
	sz, err := strconv.Atoi(strings.TrimSpace(string(a.Size[:])))
	utils.MustNo(err)
	return sz
}
