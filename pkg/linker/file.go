package linker

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/ksco/rld/pkg/utils"
)

type File struct {
	Name     string
	Contents []byte

	Parent *File
}

// DisplayName names the file in diagnostics; archive members print as
// lib.a(member.o).
func (f *File) DisplayName() string {
	if f.Parent != nil {
		return fmt.Sprintf("%s(%s)", f.Parent.Name, f.Name)
	}
	return f.Name
}

// mapFile maps path read-only. The mapping lives until the process exits.
func mapFile(path string) ([]byte, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	info, err := fd.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		return []byte{}, nil
	}

	return unix.Mmap(int(fd.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
}

func MustNewFile(filename string) *File {
	contents, err := mapFile(filename)
	utils.MustNo(err)
	return &File{
		Name:     filename,
		Contents: contents,
	}
}

func OpenLibrary(ctx *Context, path string) *File {
	contents, err := mapFile(path)
	if err != nil {
		return nil
	}

	file := &File{Name: path, Contents: contents}
	ty := GetMachineTypeFromContents(file.Contents)
	if ty == MachineTypeNone || ty == ctx.Arg.Emulation {
		return file
	}

	utils.Fatal(fmt.Sprintf("%s: incompatible file", path))
	return nil
}

func FindLibrary(ctx *Context, name string) *File {
	for _, dir := range ctx.Arg.LibraryPaths {
		stem := dir + "/lib" + name
		if f := OpenLibrary(ctx, stem+".a"); f != nil {
			return f
		}
	}

	utils.Fatal(fmt.Sprintf("library not found: -l%s", name))
	return nil
}
