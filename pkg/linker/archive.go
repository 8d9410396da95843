package linker

import (
	"fmt"
	"path/filepath"

	"github.com/ksco/rld/pkg/utils"
)

type archiveMember struct {
	hdr  *ArHdr
	body int
	end  int
}

// walkArchive calls fn for every member of an ar(1) archive along with the
// long name table seen so far. Thin archives carry no member bodies.
func walkArchive(file *File, thin bool, fn func(m archiveMember, strTab []byte)) {
	var strTab []byte
	pos := 8

	for len(file.Contents)-pos >= 2 {
		if pos%2 == 1 {
			pos++
		}
		if len(file.Contents)-pos < arHdrSize {
			break
		}

		hdr := utils.Read[ArHdr](file.Contents[pos:])
		body := pos + arHdrSize
		end := body + hdr.GetSize()
		if end > len(file.Contents) && !(thin && !hdr.IsStrtab() && !hdr.IsSymtab()) {
			utils.Fatal(fmt.Sprintf("%s: truncated archive member", file.Name))
		}

		switch {
		case hdr.IsStrtab():
			strTab = file.Contents[body:end]
			pos = end
			continue
		case hdr.IsSymtab():
			pos = end
			continue
		}

		fn(archiveMember{hdr: &hdr, body: body, end: end}, strTab)
		if thin {
			pos = body
		} else {
			pos = end
		}
	}
}

func ReadFatArchiveMembers(file *File) []*File {
	var files []*File
	walkArchive(file, false, func(m archiveMember, strTab []byte) {
		ptr := file.Contents[m.body:m.end]
		name := m.hdr.ReadName(strTab, &ptr)
		if name == "__.SYMDEF" || name == "__.SYMDEF SORTED" {
			return
		}

		files = append(files, &File{
			Name:     name,
			Contents: ptr,
			Parent:   file,
		})
	})
	return files
}

func ReadThinArchiveMembers(file *File) []*File {
	var files []*File
	walkArchive(file, true, func(m archiveMember, strTab []byte) {
		var ptr []byte
		name := m.hdr.ReadName(strTab, &ptr)
		path := name
		if !filepath.IsAbs(path) {
			path = filepath.Join(filepath.Dir(file.Name), name)
		}

		member := MustNewFile(path)
		member.Parent = file
		files = append(files, member)
	})
	return files
}

func ReadArchiveMembers(file *File) []*File {
	switch GetFileType(file.Contents) {
	case FileTypeAr:
		return ReadFatArchiveMembers(file)
	case FileTypeThinAr:
		return ReadThinArchiveMembers(file)
	}
	utils.Fatal(fmt.Sprintf("%s: not an archive", file.Name))
	return nil
}
