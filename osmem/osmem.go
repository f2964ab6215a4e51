// Package osmem is the allocator's interface to the operating system:
// Reserve obtains a run of pages as committed, readable/writable virtual
// memory; Release is its counterpart and is a no-op (see Release).
package osmem

import (
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/deepcache/ccalloc/internal/obslog"
)

// Reserve asks the OS for n bytes of anonymous, private, read-write memory
// and returns its base address. n need not be page-aligned; the OS rounds
// up.
func Reserve(n int) (unsafe.Pointer, error) {
	b, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errors.Wrap(err, "osmem: mmap failed")
	}
	obslog.L().Debug("osmem: reserved slab", zap.Int("bytes", n))
	return unsafe.Pointer(&b[0]), nil
}

// Release returns memory previously obtained from Reserve. Currently a
// no-op: a span's mapping length is not tracked once it has potentially
// been split and coalesced with neighbors, so there is nothing here yet
// that can call munmap correctly. Address space reserved by this package is
// never returned to the OS.
func Release(ptr unsafe.Pointer, n int) {
	_ = ptr
	_ = n
}
