//go:build windows

package process

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/sys/windows"

	"hooktiller/pkg/resolve"
)

func TestListReturnsProcesses(t *testing.T) {
	procs, err := List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(procs) == 0 {
		t.Fatalf("expected at least one process")
	}
	selfPID := uint32(os.Getpid())
	foundSelf := false
	for _, p := range procs {
		if p.PID == selfPID {
			foundSelf = true
			break
		}
	}
	if !foundSelf {
		t.Fatalf("current pid %d not found in process list", selfPID)
	}
}

func TestModulesStartWithExecutable(t *testing.T) {
	p := openSelf(t)
	mods, err := p.Modules()
	if err != nil {
		t.Fatalf("Modules: %v", err)
	}
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	if !strings.EqualFold(mods[0].Name, filepath.Base(exe)) {
		t.Fatalf("first module %q, executable %q", mods[0].Name, filepath.Base(exe))
	}

	main, err := p.Module("")
	if err != nil {
		t.Fatalf("Module(\"\"): %v", err)
	}
	if main != mods[0] {
		t.Fatalf("Module(\"\") = %+v want %+v", main, mods[0])
	}
}

func TestModuleNameIgnoresCase(t *testing.T) {
	p := Self()
	lower, err := p.Module("ntdll.dll")
	if err != nil {
		t.Fatalf("Module(ntdll.dll): %v", err)
	}
	upper, err := p.Module("NTDLL.DLL")
	if err != nil {
		t.Fatalf("Module(NTDLL.DLL): %v", err)
	}
	if lower.Base != upper.Base || lower.Base == 0 || lower.Size == 0 {
		t.Fatalf("lower %+v upper %+v", lower, upper)
	}
}

func TestModuleNotFound(t *testing.T) {
	_, err := Self().Module("definitely-not-loaded.dll")
	if !errors.Is(err, resolve.ErrModuleNotFound) {
		t.Fatalf("err = %v; want ErrModuleNotFound", err)
	}
}

func TestExportMatchesGetProcAddress(t *testing.T) {
	p := Self()
	m, err := p.Module("ntdll.dll")
	if err != nil {
		t.Fatalf("Module: %v", err)
	}
	h, err := windows.LoadLibrary("ntdll.dll")
	if err != nil {
		t.Fatalf("LoadLibrary: %v", err)
	}
	want, err := windows.GetProcAddress(h, "RtlGetVersion")
	if err != nil {
		t.Fatalf("GetProcAddress: %v", err)
	}

	got, ok := p.Export(m, "RtlGetVersion")
	if !ok {
		t.Fatalf("RtlGetVersion not exported")
	}
	if uintptr(got) != want {
		t.Fatalf("Export = %v want %#x", got, want)
	}
	if _, ok := p.Export(m, "NoSuchExportHere"); ok {
		t.Fatalf("missing export reported")
	}
}

func TestSelfResolvesExportLocator(t *testing.T) {
	r := resolve.New(Self(), nil)
	addr, err := r.Resolve(resolve.ExportLocator("ntdll.dll", "NoSuchExportHere", "RtlGetVersion"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if addr == 0 {
		t.Fatalf("zero address")
	}
}
