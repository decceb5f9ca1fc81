//go:build windows

package process

import (
	"testing"
	"unsafe"

	"golang.org/x/sys/windows"

	"hooktiller/pkg/pattern"
)

var marker = []byte{0x9C, 0x17, 0xE2, 0x5D, 0x31, 0xA8, 0x04, 0x6F, 0xB3, 0xD0, 0x7E, 0x42}

const markerSig = "9C 17 E2 5D ?? A8 04 6F B3 D0 7E 42"

func writeMarker(t *testing.T, base, off uintptr) uintptr {
	t.Helper()
	dst := unsafe.Slice((*byte)(unsafe.Pointer(base+off)), len(marker))
	copy(dst, marker)
	return base + off
}

func TestScanPatternFindsMarker(t *testing.T) {
	p := openSelf(t)
	base := allocRW(t, 4096)
	want := writeMarker(t, base, 123)

	addrs, err := p.ScanPattern(pattern.MustParse(markerSig), 0, AnyReadable)
	if err != nil {
		t.Fatalf("ScanPattern: %v", err)
	}
	if !containsAddress(addrs, want) {
		t.Fatalf("ScanPattern missing %#x", want)
	}
	for i := 1; i < len(addrs); i++ {
		if addrs[i] <= addrs[i-1] {
			t.Fatalf("matches not ascending at %d", i)
		}
	}
}

func TestScanPatternMaxResults(t *testing.T) {
	p := openSelf(t)
	base := allocRW(t, 4096)
	writeMarker(t, base, 0)
	writeMarker(t, base, 512)

	addrs, err := p.ScanPattern(pattern.MustParse(markerSig), 1, AnyReadable)
	if err != nil {
		t.Fatalf("ScanPattern: %v", err)
	}
	if len(addrs) != 1 {
		t.Fatalf("len = %d want 1", len(addrs))
	}
}

func TestScanFilterSkipsProtection(t *testing.T) {
	p := openSelf(t)
	base := allocRW(t, 4096)
	want := writeMarker(t, base, 64)

	var oldProtect uint32
	if err := windows.VirtualProtect(base, 4096, windows.PAGE_READONLY, &oldProtect); err != nil {
		t.Fatalf("VirtualProtect to READONLY: %v", err)
	}
	sig := pattern.MustParse(markerSig)

	if addrs, err := p.ScanPattern(sig, 0, WritableOnly); err != nil {
		t.Fatalf("ScanPattern writable: %v", err)
	} else if containsAddress(addrs, want) {
		t.Fatalf("READONLY region scanned with WritableOnly")
	}
	if addrs, err := p.ScanPattern(sig, 0, ExecutableOnly); err != nil {
		t.Fatalf("ScanPattern executable: %v", err)
	} else if containsAddress(addrs, want) {
		t.Fatalf("READONLY region scanned with ExecutableOnly")
	}
	if addrs, err := p.ScanPattern(sig, 0, AnyReadable); err != nil {
		t.Fatalf("ScanPattern: %v", err)
	} else if !containsAddress(addrs, want) {
		t.Fatalf("expected to find %#x without a filter", want)
	}
}

func TestProtectFlags(t *testing.T) {
	cases := []struct {
		name       string
		protect    uint32
		readable   bool
		writable   bool
		executable bool
	}{
		{"noaccess", windows.PAGE_NOACCESS, false, false, false},
		{"readonly", windows.PAGE_READONLY, true, false, false},
		{"readwrite", windows.PAGE_READWRITE, true, true, false},
		{"writecopy", windows.PAGE_WRITECOPY, true, true, false},
		{"execute", windows.PAGE_EXECUTE, false, false, true},
		{"exec_read", windows.PAGE_EXECUTE_READ, true, false, true},
		{"exec_readwrite", windows.PAGE_EXECUTE_READWRITE, true, true, true},
		{"guard_read", windows.PAGE_READONLY | windows.PAGE_GUARD, true, false, false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := isReadable(tc.protect); got != tc.readable {
				t.Fatalf("isReadable(%#x)=%v want %v", tc.protect, got, tc.readable)
			}
			if got := isWritable(tc.protect); got != tc.writable {
				t.Fatalf("isWritable(%#x)=%v want %v", tc.protect, got, tc.writable)
			}
			if got := isExecutable(tc.protect); got != tc.executable {
				t.Fatalf("isExecutable(%#x)=%v want %v", tc.protect, got, tc.executable)
			}
		})
	}
}

func TestFilterRejectsGuardPages(t *testing.T) {
	if AnyReadable.accepts(windows.PAGE_READWRITE | windows.PAGE_GUARD) {
		t.Fatalf("guard page accepted")
	}
	if !WritableOnly.accepts(windows.PAGE_EXECUTE_READWRITE) {
		t.Fatalf("rwx rejected by WritableOnly")
	}
}
