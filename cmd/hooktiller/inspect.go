package main

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"hooktiller/pkg/disasm"
	"hooktiller/pkg/hook"
	"hooktiller/pkg/resolve"
)

const (
	previewBytes = 64
	previewLines = 12
	// jumpSize is the length of the rel32 jump MinHook writes over a target.
	jumpSize = 5
)

var locatorKinds = []string{"export", "pattern", "address"}

// target is what inspection needs from a process.
type target interface {
	resolve.Host
	Modules() ([]resolve.Module, error)
	ReadAt(addr uintptr, buf []byte) error
}

// buildLocator turns the locator form into a resolve.Locator. A pattern may
// be entered with or without its "pattern:" prefix.
func buildLocator(kind, module, value, decorated string) (resolve.Locator, error) {
	module = strings.TrimSpace(module)
	value = strings.TrimSpace(value)
	decorated = strings.TrimSpace(decorated)
	if value == "" {
		return resolve.Locator{}, errors.New("enter a target")
	}

	switch kind {
	case "export":
		return resolve.ExportLocator(module, value, decorated), nil
	case "pattern":
		return resolve.PatternLocator(module, strings.TrimPrefix(value, "pattern:")), nil
	case "address":
		addr, err := resolve.ParseAddress(value)
		if err != nil {
			return resolve.Locator{}, err
		}
		return resolve.AddressLocator(addr), nil
	}
	return resolve.Locator{}, errors.Errorf("unknown locator kind %q", kind)
}

type finding struct {
	loc    resolve.Locator
	addr   resolve.Address
	module resolve.Module // zero when no loaded image contains addr

	code    []disasm.Line
	span    int
	codeErr error
}

func (f finding) moduleName() string {
	if f.module.Name == "" {
		return "-"
	}
	return f.module.Name
}

func (f finding) offset() string {
	if f.module.Name == "" {
		return "-"
	}
	return fmt.Sprintf("+0x%X", uintptr(f.addr)-f.module.Base)
}

// report is the text of the code panel.
func (f finding) report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n%s", f.loc, f.addr)
	if f.module.Name != "" {
		fmt.Fprintf(&b, " (%s%s)", f.module.Name, f.offset())
	}
	b.WriteString("\n\n")
	if len(f.code) > 0 {
		b.WriteString(disasm.Format(f.code))
		b.WriteString("\n")
	}
	if f.codeErr != nil {
		fmt.Fprintf(&b, "not patchable: %v\n", f.codeErr)
	} else {
		fmt.Fprintf(&b, "a %d-byte jump overwrites %d bytes\n", jumpSize, f.span)
	}
	return b.String()
}

func inspect(r hook.Resolver, t target, loc resolve.Locator) (finding, error) {
	addr, err := r.Resolve(loc)
	if err != nil {
		return finding{}, err
	}
	return describe(t, loc, addr), nil
}

// describe fills in the owning module and the prologue at addr.
func describe(t target, loc resolve.Locator, addr resolve.Address) finding {
	f := finding{loc: loc, addr: addr}
	if mods, err := t.Modules(); err == nil {
		for _, m := range mods {
			if m.Contains(addr) {
				f.module = m
				break
			}
		}
	}

	buf := make([]byte, previewBytes)
	if err := t.ReadAt(uintptr(addr), buf); err != nil {
		f.codeErr = errors.WithMessage(err, "read prologue")
		return f
	}
	f.code, f.codeErr = disasm.Prologue(buf, uint64(addr), disasm.NativeMode(), previewLines)
	if f.codeErr == nil {
		f.span, f.codeErr = disasm.PatchSpan(f.code, jumpSize)
	}
	return f
}
