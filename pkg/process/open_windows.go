//go:build windows

package process

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// Process is a handle to a live process. It implements resolve.Host.
type Process struct {
	Handle windows.Handle
	PID    uint32

	pseudo bool

	mu      sync.Mutex
	exports map[uintptr]*ExportTable
}

func Open(pid uint32) (*Process, error) {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_INFORMATION|windows.PROCESS_VM_READ, false, pid)
	if err != nil {
		return nil, errors.Wrapf(err, "open process %d", pid)
	}
	return &Process{Handle: h, PID: pid}, nil
}

// Self returns the process the caller runs in, through the current-process
// pseudo handle.
func Self() *Process {
	return &Process{
		Handle: windows.CurrentProcess(),
		PID:    windows.GetCurrentProcessId(),
		pseudo: true,
	}
}

func (p *Process) Close() error {
	if p == nil || p.Handle == 0 || p.pseudo {
		return nil
	}
	return windows.CloseHandle(p.Handle)
}
