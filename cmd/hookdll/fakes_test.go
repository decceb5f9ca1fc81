package main

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/fatih/color"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"hooktiller/pkg/hook"
	"hooktiller/pkg/resolve"
)

type stubResolver map[string]resolve.Address

func (s stubResolver) Resolve(loc resolve.Locator) (resolve.Address, error) {
	if a, err := resolve.ParseAddress(loc.Target); err == nil {
		return a, nil
	}
	a, ok := s[loc.Target]
	if !ok {
		return 0, fmt.Errorf("%s: %w", loc, resolve.ErrExportNotFound)
	}
	return a, nil
}

// stubDetour hands out target+0x100 as the trampoline and applies changes on
// Commit.
type stubDetour struct {
	pending []func()
	refuse  map[uintptr]bool
}

func (d *stubDetour) Begin() error {
	d.pending = nil
	return nil
}

func (d *stubDetour) Attach(slot *uintptr, replacement uintptr) error {
	if d.refuse[*slot] {
		return fmt.Errorf("target %#x is not executable", *slot)
	}
	target := *slot
	d.pending = append(d.pending, func() { *slot = target + 0x100 })
	return nil
}

func (d *stubDetour) Detach(slot *uintptr, replacement uintptr) error {
	tramp := *slot
	d.pending = append(d.pending, func() { *slot = tramp - 0x100 })
	return nil
}

func (d *stubDetour) Commit() error {
	for _, f := range d.pending {
		f()
	}
	d.pending = nil
	return nil
}

func (d *stubDetour) Abort() error {
	d.pending = nil
	return nil
}

type harness struct {
	mod  *module
	cmd  *commander
	out  *bytes.Buffer
	logs *observer.ObservedLogs
}

func newHarness(t *testing.T, addrs stubResolver, refuse ...uintptr) *harness {
	t.Helper()

	noColor := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = noColor })

	d := &stubDetour{refuse: map[uintptr]bool{}}
	for _, a := range refuse {
		d.refuse[a] = true
	}
	core, logs := observer.New(zapcore.DebugLevel)
	reg := hook.NewRegistry(addrs, d, zap.New(core))
	mod := newModule(reg, zap.New(core))

	out := &bytes.Buffer{}
	return &harness{
		mod:  mod,
		cmd:  &commander{mod: mod, resolver: addrs, out: out},
		out:  out,
		logs: logs,
	}
}
