// Command hooktarget is a small process to practise hooks on. Once a second
// it calls kernel32!GetTickCount64 and kernel32!MulDiv and prints the
// results, so trace hooks on either show up in the hook console.
//
// Keys, each followed by Enter:
//
//	+ / -  change the MulDiv operand
//	m      write a manifest hooking both functions
//	l      load hooktiller.dll (or HOOKTILLER_DLL) into this process
//	u      call the loaded module's Shutdown
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"hooktiller/pkg/config"
)

const refresh = time.Second

var operand atomic.Int32

func init() {
	operand.Store(1337)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// manifest hooks the two functions the loop calls.
func manifest() config.Config {
	cfg := config.Default()
	cfg.Hooks = []config.Hook{
		{ID: "ticks", Module: "kernel32.dll", Export: "GetTickCount64"},
		{ID: "muldiv", Module: "kernel32.dll", Export: "MulDiv", Args: 3},
	}
	return cfg
}

func dllPath() string {
	if v := os.Getenv(config.EnvPrefix + "DLL"); v != "" {
		return v
	}
	return "hooktiller.dll"
}

// listenInput runs the action bound to each byte read from in until in is
// exhausted. Unbound bytes are ignored.
func listenInput(in io.Reader, actions map[byte]func()) {
	reader := bufio.NewReader(in)
	for {
		ch, err := reader.ReadByte()
		if err != nil {
			return
		}
		if fn := actions[ch]; fn != nil {
			fn()
		}
	}
}
