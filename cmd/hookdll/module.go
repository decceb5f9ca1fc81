package main

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"hooktiller/pkg/config"
	"hooktiller/pkg/hook"
	"hooktiller/pkg/resolve"
)

// replacer produces the replacement entry point for a manifest hook.
type replacer func(h config.Hook) (resolve.Address, error)

type module struct {
	reg *hook.Registry
	log *zap.Logger

	mu    sync.Mutex
	calls map[string]*atomic.Uint64
}

func newModule(reg *hook.Registry, log *zap.Logger) *module {
	return &module{
		reg:   reg,
		log:   log,
		calls: make(map[string]*atomic.Uint64),
	}
}

func label(h config.Hook) string {
	if h.Label != "" {
		return h.Label
	}
	return h.ID
}

// register adds every manifest hook to the registry. Hooks that fail are
// skipped and reported together.
func (m *module) register(hooks []config.Hook, newReplacement replacer) error {
	var errs error
	for _, h := range hooks {
		repl, err := newReplacement(h)
		if err != nil {
			errs = multierr.Append(errs, errors.WithMessagef(err, "hook %q replacement", h.ID))
			continue
		}
		switch h.Kind() {
		case "export":
			err = m.reg.RegisterExport(h.ID, h.Module, h.Export, h.Decorated, repl)
		case "locator":
			err = m.reg.RegisterLocator(h.ID, h.Module, h.Locator, label(h), repl)
		case "address":
			err = m.reg.RegisterAddress(h.ID, resolve.Address(h.Address), label(h), repl)
		default:
			err = errors.Errorf("hook %q has no target", h.ID)
		}
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		m.mu.Lock()
		m.calls[h.ID] = new(atomic.Uint64)
		m.mu.Unlock()
	}
	return errs
}

// installEnabled installs the manifest hooks that are not marked disabled.
func (m *module) installEnabled(hooks []config.Hook) error {
	var errs error
	for _, h := range hooks {
		if h.Disabled {
			m.log.Info("left disabled", zap.String("id", h.ID))
			continue
		}
		if _, ok := m.reg.Lookup(h.ID); !ok {
			continue
		}
		errs = multierr.Append(errs, m.reg.Install(h.ID))
	}
	return errs
}

// enter counts a call through id.
func (m *module) enter(id string, args []uintptr) {
	m.mu.Lock()
	c := m.calls[id]
	m.mu.Unlock()
	if c != nil {
		c.Add(1)
	}
	if ce := m.log.Check(zap.DebugLevel, "call"); ce != nil {
		ce.Write(zap.String("id", id), zap.Uintptrs("args", args))
	}
}

func (m *module) callCount(id string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.calls[id]; c != nil {
		return c.Load()
	}
	return 0
}
