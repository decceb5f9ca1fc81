//go:build windows

package process

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"

	"hooktiller/pkg/pattern"
)

const maxChunk = uintptr(1 << 20)

// RegionFilter selects which committed pages a scan visits.
type RegionFilter int

const (
	AnyReadable RegionFilter = iota
	WritableOnly
	ExecutableOnly
)

func (f RegionFilter) accepts(protect uint32) bool {
	if !isReadable(protect) || protect&windows.PAGE_GUARD != 0 {
		return false
	}
	switch f {
	case WritableOnly:
		return isWritable(protect)
	case ExecutableOnly:
		return isExecutable(protect)
	}
	return true
}

// walkRegions calls fn for every accepted committed range inside
// [from, to), clipped to those bounds, until fn returns false.
func (p *Process) walkRegions(from, to uintptr, filter RegionFilter, fn func(lo, hi uintptr) bool) {
	var mbi windows.MemoryBasicInformation
	for addr := from; addr < to; {
		if err := windows.VirtualQueryEx(p.Handle, addr, &mbi, unsafe.Sizeof(mbi)); err != nil {
			return
		}
		base := uintptr(mbi.BaseAddress)
		regionSize := uintptr(mbi.RegionSize)
		if regionSize == 0 {
			return
		}
		end := base + regionSize

		if mbi.State == windows.MEM_COMMIT && filter.accepts(mbi.Protect) {
			lo, hi := base, end
			if lo < addr {
				lo = addr
			}
			if hi > to || hi < lo {
				hi = to
			}
			if !fn(lo, hi) {
				return
			}
		}

		if end <= addr {
			return
		}
		addr = end
	}
}

// ScanPattern searches every accepted region of the process and returns
// match addresses in ascending order. maxResults <= 0 means no limit.
// Matches that straddle two regions are not reported.
func (p *Process) ScanPattern(pat pattern.Pattern, maxResults int, filter RegionFilter) ([]uintptr, error) {
	if p == nil || p.Handle == 0 {
		return nil, errors.New("process handle is nil")
	}
	if pat.Len() == 0 {
		return nil, pattern.ErrMalformedPattern
	}

	var (
		matches []uintptr
		buf     []byte
		overlap = uintptr(pat.Len() - 1)
	)
	p.walkRegions(0, ^uintptr(0), filter, func(lo, hi uintptr) bool {
		for off := lo; off < hi; off += maxChunk {
			n := hi - off
			if n > maxChunk+overlap {
				n = maxChunk + overlap
			}
			if cap(buf) < int(n) {
				buf = make([]byte, n)
			}
			buf = buf[:n]

			var read uintptr
			if err := windows.ReadProcessMemory(p.Handle, off, &buf[0], n, &read); err != nil || read == 0 {
				continue
			}
			b := buf[:read]
			for i := 0; i < len(b); {
				j := pat.Index(b[i:])
				if j < 0 || uintptr(i+j) >= maxChunk {
					break
				}
				matches = append(matches, off+uintptr(i+j))
				if maxResults > 0 && len(matches) >= maxResults {
					return false
				}
				i += j + 1
			}
		}
		return true
	})
	return matches, nil
}

func isReadable(protect uint32) bool {
	switch protect & 0xFF { // mask out modifier flags
	case windows.PAGE_READONLY,
		windows.PAGE_READWRITE,
		windows.PAGE_WRITECOPY,
		windows.PAGE_EXECUTE_READ,
		windows.PAGE_EXECUTE_READWRITE,
		windows.PAGE_EXECUTE_WRITECOPY:
		return true
	default:
		return false
	}
}

func isWritable(protect uint32) bool {
	switch protect & 0xFF {
	case windows.PAGE_READWRITE,
		windows.PAGE_WRITECOPY,
		windows.PAGE_EXECUTE_READWRITE,
		windows.PAGE_EXECUTE_WRITECOPY:
		return true
	default:
		return false
	}
}

func isExecutable(protect uint32) bool {
	switch protect & 0xFF {
	case windows.PAGE_EXECUTE,
		windows.PAGE_EXECUTE_READ,
		windows.PAGE_EXECUTE_READWRITE,
		windows.PAGE_EXECUTE_WRITECOPY:
		return true
	default:
		return false
	}
}
