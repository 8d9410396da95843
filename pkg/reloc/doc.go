// Package reloc is the target-independent half of relocation processing.
//
// Scan walks a relocation section during symbol analysis, before addresses
// are known, and hands every record to a target analyzer. Apply walks the
// same records once layout is final and hands them to a target relocator
// that patches the section image. Both decode records in file order, so an
// analyzer and a relocator for the same section observe the same sequence.
//
// The record layout (REL or RELA, ELFCLASS32 or ELFCLASS64) is a type
// parameter. Callers pick the instantiation once per relocation section,
// usually from KindOf and the object's class.
package reloc
