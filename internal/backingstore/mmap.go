package backingstore

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/kclejeune/shmarray/internal/descriptor"
)

// Open implements descriptor.OpenFunc: it memory-maps total*itemsize bytes
// of filename starting at byteOffset, in the requested mode (spec §4.3
// decode, §5 shared-resource policy).
//
// The caller (descriptor.Decode) passes an element count; Open maps
// total*itemsize bytes, taking itemsize from its own argument, which callers
// fill in from the Descriptor's DType.
func Open(itemsize int) descriptor.OpenFunc {
	return func(filename string, mode descriptor.Mode, byteOffset int64, total int64) ([]byte, error) {
		flag := os.O_RDONLY
		if mode != descriptor.ModeRead {
			flag = os.O_RDWR
		}
		f, err := os.OpenFile(filename, flag, 0)
		if err != nil {
			return nil, fmt.Errorf("backingstore: opening %q: %w", filename, err)
		}
		defer f.Close()

		length := int(total) * itemsize
		prot := unix.PROT_READ
		mmapFlags := unix.MAP_SHARED
		switch mode {
		case descriptor.ModeReadWrite:
			prot |= unix.PROT_WRITE
		case descriptor.ModeCopyOnWrite:
			prot |= unix.PROT_WRITE
			mmapFlags = unix.MAP_PRIVATE
		}

		// mmap requires a page-aligned offset; an offset subarray reused
		// from an existing memmap (spec §8) need not itself be aligned, so
		// map from the page boundary below it and slice back to the
		// requested region.
		pageSize := int64(os.Getpagesize())
		aligned := byteOffset - (byteOffset % pageSize)
		delta := int(byteOffset - aligned)

		mapped, err := unix.Mmap(int(f.Fd()), aligned, length+delta, prot, mmapFlags)
		if err != nil {
			return nil, fmt.Errorf("backingstore: mmap %q at offset %d len %d: %w", filename, byteOffset, length, err)
		}
		return mapped[delta : delta+length], nil
	}
}
