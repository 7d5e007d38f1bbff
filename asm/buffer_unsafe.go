package asm

import "unsafe"

// uintptrOf returns the address of the first byte backing b. Only valid
// while b is pinned (the executable buffer is never moved or garbage
// collected while an instance referencing it is alive; see runtime.codeMemory).
func uintptrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
