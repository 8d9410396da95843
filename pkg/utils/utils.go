package utils

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/bits"
	"os"
	"runtime/debug"
	"strings"

	"golang.org/x/exp/constraints"
)

const prog = "rld"

func CountrZero[T constraints.Unsigned](n T) int {
	if n == 0 {
		return int(binary.Size(n)) * 8
	}
	return bits.TrailingZeros64(uint64(n))
}

func CountlZero[T constraints.Unsigned](n T) int {
	width := binary.Size(n) * 8
	return bits.LeadingZeros64(uint64(n)) - (64 - width)
}

func hasSingleBit(n uint64) bool {
	return n&(n-1) == 0
}

func BitCeil(val uint64) uint64 {
	if hasSingleBit(val) {
		return val
	}
	return 1 << (64 - CountlZero(val))
}

func MustNo(err error) {
	if err != nil {
		Fatal(err)
	}
}

// Fatal reports v on stderr and terminates the link with a failure status.
func Fatal(v any) {
	fmt.Fprintln(os.Stderr, prog+": \033[0;1;31mfatal:\033[0m", fmt.Sprintf("%s", v))
	os.Exit(1)
}

// Error reports v on stderr and returns.
func Error(v any) {
	fmt.Fprintln(os.Stderr, prog+": \033[0;1;31merror:\033[0m", fmt.Sprintf("%s", v))
}

func Assert(condition bool) {
	if !condition {
		debug.PrintStack()
		Fatal("assertion failed")
	}
}

func AlignTo[I constraints.Integer](val, align I) I {
	if align == 0 {
		return val
	}
	return (val + align - 1) &^ (align - 1)
}

func AllZeros(bs []byte) bool {
	b := byte(0)
	for _, s := range bs {
		b |= s
	}
	return b == 0
}

func Read[T any](data []byte) (val T) {
	reader := bytes.NewReader(data)
	err := binary.Read(reader, binary.LittleEndian, &val)
	MustNo(err)
	return
}

func Write[T any](data []byte, e T) {
	buf := &bytes.Buffer{}
	err := binary.Write(buf, binary.LittleEndian, e)
	MustNo(err)
	copy(data, buf.Bytes())
}

// ReadSlice decodes len(data)/sizeof(T) consecutive values of T.
func ReadSlice[T any](data []byte) []T {
	var zero T
	size := binary.Size(zero)
	vals := make([]T, 0, len(data)/size)
	for len(data) >= size {
		vals = append(vals, Read[T](data))
		data = data[size:]
	}
	return vals
}

func Bit[T constraints.Unsigned](val T, pos int) T {
	return (val >> pos) & 1
}

func Bits[T constraints.Unsigned](val T, hi T, lo T) T {
	return (val >> lo) & ((1 << (hi - lo + 1)) - 1)
}

func SignExtend(val uint64, size int) uint64 {
	return uint64(int64(val<<(63-size)) >> (63 - size))
}

func RemoveIf[T any](elems []T, condition func(T) bool) []T {
	i := 0

	for _, elem := range elems {
		if condition(elem) {
			continue
		}
		elems[i] = elem
		i++
	}
	return elems[:i]
}

func RemovePrefix(s, prefix string) (string, bool) {
	if strings.HasPrefix(s, prefix) {
		s = strings.TrimPrefix(s, prefix)
		return s, true
	}
	return s, false
}
