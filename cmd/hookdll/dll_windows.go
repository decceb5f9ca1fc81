//go:build windows

package main

import "C"

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"go.uber.org/zap"
	"golang.org/x/sys/windows"

	"hooktiller/pkg/config"
	"hooktiller/pkg/eventlog"
	"hooktiller/pkg/hook"
	"hooktiller/pkg/minhook"
	"hooktiller/pkg/process"
	"hooktiller/pkg/resolve"
)

type session struct {
	sink *eventlog.Sink
	log  *zap.Logger
	mh   *minhook.Library
	mod  *module
	con  *console
}

var life lifecycle

// The loader lock is held while init runs, so the real work happens on
// another goroutine. HOOKTILLER_MANUAL_INIT leaves it to the host calling
// Init.
func init() {
	if os.Getenv(config.EnvPrefix+"MANUAL_INIT") == "" {
		go Init()
	}
}

// Init loads the manifest and installs the hooks. It runs once; later calls
// report the first result. Returns 0 on success.
//
//export Init
func Init() C.int {
	err := life.init(func() (stopper, error) {
		s, err := start()
		if err != nil {
			debugString("hooktiller: init failed: " + err.Error())
			return nil, err
		}
		return s, nil
	})
	if err != nil {
		return 1
	}
	return 0
}

// Shutdown restores every hooked function and releases MinHook. Call it
// before unloading the DLL. It waits for an Init still in progress.
//
//export Shutdown
func Shutdown() {
	life.shutdown()
}

// debugString reports to an attached debugger, for failures that happen
// before the log sink exists.
func debugString(msg string) {
	if p, err := windows.UTF16PtrFromString(msg); err == nil {
		windows.OutputDebugString(p)
	}
}

func start() (*session, error) {
	cfg, path, writeErr, err := loadConfig()
	if err != nil {
		return nil, err
	}
	level, _ := cfg.Level()

	s := &session{}
	var consoleOut io.Writer
	var consoleErr error
	if cfg.Log.Console {
		if s.con, consoleErr = openConsole("hooktiller"); consoleErr == nil {
			consoleOut = s.con.out
			color.NoColor = false
		}
	}

	s.sink, err = eventlog.Open(eventlog.Options{Path: cfg.Log.File, Console: consoleOut, Level: level})
	if err != nil {
		s.con.Close()
		return nil, err
	}
	s.log = s.sink.Named("hookdll")
	s.log.Info("loaded",
		zap.Int("pid", os.Getpid()),
		zap.String("manifest", path),
		zap.Int("hooks", len(cfg.Hooks)))
	if consoleErr != nil {
		s.log.Warn("console unavailable", zap.Error(consoleErr))
	}
	if writeErr != nil {
		s.log.Warn("starter manifest not written", zap.String("manifest", path), zap.Error(writeErr))
	}

	s.mh, err = minhook.Load(cfg.Detour.Library, s.sink.Named("minhook"))
	if err != nil {
		s.log.Error("detour library unavailable", zap.Error(err))
		s.sink.Close()
		s.con.Close()
		return nil, err
	}

	res := resolve.New(process.Self(), s.sink.Named("resolve"))
	reg := hook.NewRegistry(res, s.mh, s.sink.Named("registry"))
	s.mod = newModule(reg, s.log)
	if err := s.mod.register(cfg.Hooks, s.mod.traceReplacement); err != nil {
		s.log.Warn("some hooks were not registered", zap.Error(err))
	}
	if err := s.mod.installEnabled(cfg.Hooks); err != nil {
		s.log.Warn("some hooks were not installed", zap.Error(err))
	}

	if s.con != nil {
		cmd := &commander{mod: s.mod, resolver: res, out: s.con.out}
		go func() {
			fmt.Fprintln(s.con.out, "hooktiller ready, type help for commands")
			if err := cmd.serve(s.con.in); err != nil {
				s.log.Warn("console input closed", zap.Error(err))
			}
		}()
	}
	return s, nil
}

func (s *session) stop() {
	if err := s.mod.reg.Close(); err != nil {
		s.log.Warn("hooks left installed", zap.Error(err))
	}
	if err := s.mh.Close(); err != nil {
		s.log.Warn("minhook uninitialize failed", zap.Error(err))
	}
	s.log.Info("shut down")
	_ = s.sink.Close()
	_ = s.con.Close()
}
