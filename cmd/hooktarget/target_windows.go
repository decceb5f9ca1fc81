//go:build windows

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/windows"

	"hooktiller/pkg/config"
	"hooktiller/pkg/disasm"
	"hooktiller/pkg/eventlog"
	"hooktiller/pkg/process"
	"hooktiller/pkg/resolve"
)

var (
	kernel32           = windows.NewLazySystemDLL("kernel32.dll")
	procGetTickCount64 = kernel32.NewProc("GetTickCount64")
	procMulDiv         = kernel32.NewProc("MulDiv")
)

func run() error {
	sink, err := eventlog.Open(eventlog.Options{
		Path:    "hooktarget.log",
		Console: os.Stdout,
		Level:   zapcore.InfoLevel,
	})
	if err != nil {
		return err
	}
	defer sink.Close()
	log := sink.Named("target")
	log.Info("started", zap.Int("pid", os.Getpid()))

	showTargets(log)

	var dll *windows.DLL
	go listenInput(os.Stdin, map[byte]func(){
		'+': func() { operand.Add(1) },
		'-': func() { operand.Add(-1) },
		'm': func() {
			path := config.ManifestPath()
			if err := manifest().Save(path); err != nil {
				log.Error("manifest not written", zap.Error(err))
				return
			}
			log.Info("manifest written", zap.String("path", path))
		},
		'l': func() {
			if dll != nil {
				log.Warn("module already loaded", zap.String("dll", dll.Name))
				return
			}
			d, err := windows.LoadDLL(dllPath())
			if err != nil {
				log.Error("load failed", zap.String("dll", dllPath()), zap.Error(err))
				return
			}
			dll = d
			log.Info("module loaded", zap.String("dll", d.Name))
		},
		'u': func() {
			if err := shutdown(dll); err != nil {
				log.Error("shutdown failed", zap.Error(err))
				return
			}
			log.Info("module shut down")
		},
	})

	ticker := time.NewTicker(refresh)
	defer ticker.Stop()
	for range ticker.C {
		tick()
	}
	return nil
}

// showTargets prints where the hookable functions live and how they start.
func showTargets(log *zap.Logger) {
	self := process.Self()
	res := resolve.New(self, log.Named("resolve"))
	for _, h := range manifest().Hooks {
		addr, err := res.Resolve(resolve.ExportLocator(h.Module, h.Export, h.Decorated))
		if err != nil {
			continue
		}
		code := make([]byte, 32)
		if err := self.ReadAt(uintptr(addr), code); err != nil {
			continue
		}
		lines, err := disasm.Prologue(code, uint64(addr), disasm.NativeMode(), 4)
		if err != nil {
			continue
		}
		fmt.Printf("%s!%s\n%s\n", h.Module, h.Export, disasm.Format(lines))
	}
}

// shutdown restores the hooks of a loaded module. Go runtimes cannot be
// unloaded, so the DLL itself stays mapped.
func shutdown(dll *windows.DLL) error {
	if dll == nil {
		return errors.New("no module loaded")
	}
	p, err := dll.FindProc("Shutdown")
	if err != nil {
		return err
	}
	p.Call()
	return nil
}

func tick() {
	// Only the low half of the result is returned on 386.
	ticks, _, _ := procGetTickCount64.Call()
	op := operand.Load()
	product, _, _ := procMulDiv.Call(uintptr(op), 3, 2)
	fmt.Printf("ticks=%d  MulDiv(%d, 3, 2)=%d\n", uint64(ticks), op, int32(product))
}
