//go:build windows

package process

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"

	"hooktiller/pkg/resolve"
)

type Info struct {
	PID       uint32
	ParentPID uint32
	Exe       string
}

func List() ([]Info, error) {
	snapshot, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return nil, err
	}
	defer windows.CloseHandle(snapshot)

	var entry windows.ProcessEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))

	if err := windows.Process32First(snapshot, &entry); err != nil {
		return nil, err
	}

	processes := make([]Info, 0, 128)
	for {
		exe := windows.UTF16ToString(entry.ExeFile[:])
		processes = append(processes, Info{
			PID:       entry.ProcessID,
			ParentPID: entry.ParentProcessID,
			Exe:       exe,
		})

		if err := windows.Process32Next(snapshot, &entry); err != nil {
			if err == windows.ERROR_NO_MORE_FILES {
				break
			}
			return nil, err
		}
	}

	return processes, nil
}

// snapshotModules retries while the loader is busy; toolhelp reports that
// as ERROR_BAD_LENGTH.
func (p *Process) snapshotModules() (windows.Handle, error) {
	for attempt := 0; ; attempt++ {
		h, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPMODULE|windows.TH32CS_SNAPMODULE32, p.PID)
		if err == nil {
			return h, nil
		}
		if err != windows.ERROR_BAD_LENGTH || attempt == 8 {
			return 0, errors.Wrapf(err, "module snapshot of %d", p.PID)
		}
	}
}

// Modules lists the images loaded in the process. The first entry is the
// main executable.
func (p *Process) Modules() ([]resolve.Module, error) {
	snapshot, err := p.snapshotModules()
	if err != nil {
		return nil, err
	}
	defer windows.CloseHandle(snapshot)

	var entry windows.ModuleEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	if err := windows.Module32First(snapshot, &entry); err != nil {
		return nil, errors.Wrap(err, "first module")
	}

	modules := make([]resolve.Module, 0, 64)
	for {
		modules = append(modules, resolve.Module{
			Name: windows.UTF16ToString(entry.Module[:]),
			Base: entry.ModBaseAddr,
			Size: uintptr(entry.ModBaseSize),
		})

		if err := windows.Module32Next(snapshot, &entry); err != nil {
			if err == windows.ERROR_NO_MORE_FILES {
				break
			}
			return nil, errors.Wrap(err, "next module")
		}
	}
	return modules, nil
}

// Module finds a loaded image by file name, ignoring case. The ".dll"
// extension may be left off. An empty name selects the main executable.
func (p *Process) Module(name string) (resolve.Module, error) {
	modules, err := p.Modules()
	if err != nil {
		return resolve.Module{}, errors.Wrapf(resolve.ErrModuleNotFound, "%s: %v", name, err)
	}
	if name == "" {
		return modules[0], nil
	}
	for _, m := range modules {
		if matchModule(m.Name, name) {
			return m, nil
		}
	}
	return resolve.Module{}, errors.Wrapf(resolve.ErrModuleNotFound, "%s in process %d", name, p.PID)
}

// Export looks a symbol up in the export directory of m, following
// forwarded exports into the modules they name. Tables are parsed once per
// module base.
func (p *Process) Export(m resolve.Module, name string) (resolve.Address, bool) {
	return resolveExport(p, m, name)
}

func (p *Process) exportTable(m resolve.Module) (*ExportTable, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.exports[m.Base]; ok {
		return t, nil
	}
	image, err := p.ReadRegion(m.Base, m.Size)
	if err != nil {
		return nil, err
	}
	t, err := ParseExports(image)
	if err != nil {
		return nil, errors.WithMessagef(err, "exports of %s", m.Name)
	}
	if p.exports == nil {
		p.exports = make(map[uintptr]*ExportTable)
	}
	p.exports[m.Base] = t
	return t, nil
}

// Exports returns the export table of m, for listing.
func (p *Process) Exports(m resolve.Module) (*ExportTable, error) {
	return p.exportTable(m)
}
