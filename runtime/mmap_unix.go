//go:build amd64

package runtime

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// mmapGuarded reserves size bytes of inaccessible, unbacked virtual address
// space for a Static/SharedStatic memory (spec §4.3): the returned slice's
// full length is mapped PROT_NONE, so any generated-code touch past a
// memory's current Bound faults in hardware instead of running a software
// bound check. newMemoryInstance re-slices the live [0:minBytes) prefix
// read-write below.
//
// No instance teardown path calls munmapGuarded, so the reservation stays
// mapped for the life of the process; it is pinned by the memoryInstance
// that holds it, and the Go garbage collector never sees the mapping.
func mmapGuarded(size int) []byte {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		// A reservation failure here means the process is out of virtual
		// address space, which no caller can usefully recover from inline;
		// the error is logged and then raised as a panic, not returned to
		// the instantiation path.
		logrus.WithError(err).WithField("size", size).Error("mmap: guard reservation failed")
		panic(err)
	}
	return b
}

// growGuarded makes the [0:newBytes) prefix of a guarded reservation
// read-write; newMemoryInstance uses it to open a Static/SharedStatic
// memory's initial pages. The reservation itself never moves, so a
// LocalMemory/ImportedMemory record's base pointer stays valid. The decoder
// has no memory.grow operator, so nothing calls this after instantiation.
func growGuarded(reserved []byte, newBytes int) error {
	return unix.Mprotect(reserved[:newBytes], unix.PROT_READ|unix.PROT_WRITE)
}

func munmapGuarded(reserved []byte) error {
	return unix.Munmap(reserved)
}

// allocateExecutable copies code into a fresh anonymous mapping and then
// flips it from writable to executable (spec §4.4's W^X requirement: the
// buffer is never simultaneously writable and executable). The returned
// slice's data pointer is the address generated Call/CallLabel sites and
// the local function-pointer array ultimately resolve to.
func allocateExecutable(code []byte) ([]byte, error) {
	if len(code) == 0 {
		return nil, nil
	}
	b, err := unix.Mmap(-1, 0, len(code), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}
	copy(b, code)
	if err := unix.Mprotect(b, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		unix.Munmap(b)
		return nil, err
	}
	return b, nil
}

func freeExecutable(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munmap(b)
}
