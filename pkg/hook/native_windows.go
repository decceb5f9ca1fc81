//go:build windows

package hook

import (
	"syscall"

	"hooktiller/pkg/resolve"
)

// Native binds addr as a function taking and returning pointer-sized
// integers in the platform calling convention. Use it with OriginalFunc.
func Native(addr resolve.Address) func(args ...uintptr) uintptr {
	return func(args ...uintptr) uintptr {
		r, _, _ := syscall.SyscallN(uintptr(addr), args...)
		return r
	}
}
