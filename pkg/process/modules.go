package process

import (
	"strings"

	"hooktiller/pkg/resolve"
)

// maxForwardDepth bounds forwarder chains such as kernel32 -> kernelbase ->
// ntdll. Cycles end here too.
const maxForwardDepth = 8

// matchModule reports whether the loaded image name answers to name. A name
// without an extension also matches the same name with ".dll", as it does
// for the loader.
func matchModule(loaded, name string) bool {
	if strings.EqualFold(loaded, name) {
		return true
	}
	return !strings.Contains(name, ".") && strings.EqualFold(loaded, name+".dll")
}

// splitForwarder splits a "dll.Function" forwarder at its last dot.
// Forwarding by ordinal ("dll.#12") is not followed.
func splitForwarder(fw string) (module, function string, ok bool) {
	i := strings.LastIndexByte(fw, '.')
	if i <= 0 || i == len(fw)-1 {
		return "", "", false
	}
	module, function = fw[:i], fw[i+1:]
	if strings.HasPrefix(function, "#") {
		return "", "", false
	}
	return module, function, true
}

type exportSource interface {
	Module(name string) (resolve.Module, error)
	exportTable(m resolve.Module) (*ExportTable, error)
}

// resolveExport looks name up in m and follows forwarded exports into the
// modules they name.
func resolveExport(src exportSource, m resolve.Module, name string) (resolve.Address, bool) {
	for depth := 0; depth <= maxForwardDepth; depth++ {
		table, err := src.exportTable(m)
		if err != nil {
			return 0, false
		}
		if rva, ok := table.Lookup(name); ok {
			return resolve.Address(m.Base + uintptr(rva)), true
		}
		fw, ok := table.Forwarder(name)
		if !ok {
			return 0, false
		}
		dll, fn, ok := splitForwarder(fw)
		if !ok {
			return 0, false
		}
		if m, err = src.Module(dll); err != nil {
			return 0, false
		}
		name = fn
	}
	return 0, false
}
