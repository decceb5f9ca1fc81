//go:build windows

package process

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

func (p *Process) readExact(addr uintptr, buf []byte) error {
	var read uintptr
	if err := windows.ReadProcessMemory(p.Handle, addr, &buf[0], uintptr(len(buf)), &read); err != nil {
		return errors.Wrapf(err, "read %d bytes at %#x", len(buf), addr)
	}
	if read != uintptr(len(buf)) {
		return errors.Errorf("short read at %#x: %d of %d", addr, read, len(buf))
	}
	return nil
}

// ReadAt copies len(buf) bytes starting at addr. It fails unless every byte
// is readable.
func (p *Process) ReadAt(addr uintptr, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	return p.readExact(addr, buf)
}

// ReadRegion returns size bytes starting at base. Pages that are not
// committed or not readable come back as zeroes; the call only fails when
// nothing in the range could be read.
func (p *Process) ReadRegion(base, size uintptr) ([]byte, error) {
	if p == nil || p.Handle == 0 {
		return nil, errors.New("process handle is nil")
	}
	if size == 0 {
		return nil, errors.Errorf("empty region at %#x", base)
	}
	out := make([]byte, size)
	end := base + size
	if end < base {
		return nil, errors.Errorf("region at %#x wraps the address space", base)
	}

	var total uintptr
	p.walkRegions(base, end, AnyReadable, func(from, to uintptr) bool {
		for off := from; off < to; {
			chunk := to - off
			if chunk > maxChunk {
				chunk = maxChunk
			}
			var read uintptr
			dst := out[off-base : off-base+chunk]
			if err := windows.ReadProcessMemory(p.Handle, off, &dst[0], chunk, &read); err == nil {
				total += read
			}
			off += chunk
		}
		return true
	})
	if total == 0 {
		return nil, errors.Errorf("nothing readable in %#x..%#x", base, end)
	}
	return out, nil
}
