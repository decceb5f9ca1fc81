//go:build windows

package main

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/windows"

	"hooktiller/pkg/config"
	"hooktiller/pkg/hook"
	"hooktiller/pkg/resolve"
)

// traceReplacement builds a callback taking h.Args pointer-sized arguments
// that records the call and forwards it to the original function. On 386 the
// callback is stdcall.
func (m *module) traceReplacement(h config.Hook) (resolve.Address, error) {
	id := h.ID
	fwd := func(args ...uintptr) uintptr { return m.forward(id, args...) }

	var fn interface{}
	switch h.Args {
	case 0:
		fn = func() uintptr { return fwd() }
	case 1:
		fn = func(a1 uintptr) uintptr { return fwd(a1) }
	case 2:
		fn = func(a1, a2 uintptr) uintptr { return fwd(a1, a2) }
	case 3:
		fn = func(a1, a2, a3 uintptr) uintptr { return fwd(a1, a2, a3) }
	case 4:
		fn = func(a1, a2, a3, a4 uintptr) uintptr { return fwd(a1, a2, a3, a4) }
	case 5:
		fn = func(a1, a2, a3, a4, a5 uintptr) uintptr { return fwd(a1, a2, a3, a4, a5) }
	case 6:
		fn = func(a1, a2, a3, a4, a5, a6 uintptr) uintptr { return fwd(a1, a2, a3, a4, a5, a6) }
	default:
		return 0, errors.Errorf("unsupported argument count %d", h.Args)
	}
	return resolve.Address(windows.NewCallback(fn)), nil
}

// forward calls through the original entry point with the arguments it was
// given. The manifest's argument count must match the real signature.
func (m *module) forward(id string, args ...uintptr) uintptr {
	m.enter(id, args)
	call, ok := hook.OriginalFunc(m.reg, id, hook.Native)
	if !ok {
		return 0
	}
	return call(args...)
}
