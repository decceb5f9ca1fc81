//go:build windows

package main

import (
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sys/windows"
)

var (
	kernel32            = windows.NewLazySystemDLL("kernel32.dll")
	procAllocConsole    = kernel32.NewProc("AllocConsole")
	procSetConsoleTitle = kernel32.NewProc("SetConsoleTitleW")
)

type console struct {
	in  *os.File
	out *os.File
}

// openConsole attaches a console window to the host process, or reuses the
// one it already has.
func openConsole(title string) (*console, error) {
	if r, _, err := procAllocConsole.Call(); r == 0 && err != windows.ERROR_ACCESS_DENIED {
		return nil, errors.Wrap(err, "AllocConsole")
	}
	if t, err := windows.UTF16PtrFromString(title); err == nil {
		procSetConsoleTitle.Call(uintptr(unsafe.Pointer(t)))
	}

	out, err := os.OpenFile("CONOUT$", os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, "open CONOUT$")
	}
	in, err := os.OpenFile("CONIN$", os.O_RDWR, 0)
	if err != nil {
		out.Close()
		return nil, errors.Wrap(err, "open CONIN$")
	}

	var mode uint32
	if err := windows.GetConsoleMode(windows.Handle(out.Fd()), &mode); err == nil {
		_ = windows.SetConsoleMode(windows.Handle(out.Fd()), mode|windows.ENABLE_VIRTUAL_TERMINAL_PROCESSING)
	}
	if err := windows.GetConsoleMode(windows.Handle(in.Fd()), &mode); err == nil {
		mode |= windows.ENABLE_LINE_INPUT | windows.ENABLE_ECHO_INPUT | windows.ENABLE_PROCESSED_INPUT
		_ = windows.SetConsoleMode(windows.Handle(in.Fd()), mode)
	}
	return &console{in: in, out: out}, nil
}

func (c *console) Close() error {
	if c == nil {
		return nil
	}
	return multierr.Combine(c.in.Close(), c.out.Close())
}
