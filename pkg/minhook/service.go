package minhook

import (
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrNoTransaction   = errors.New("minhook: no open transaction")
	ErrTransactionOpen = errors.New("minhook: transaction already open")
	ErrUnknownSlot     = errors.New("minhook: slot does not hold a known trampoline")
)

// DefaultLibrary is the MinHook build matching the running architecture.
func DefaultLibrary() string {
	if runtime.GOARCH == "386" {
		return "MinHook.x86.dll"
	}
	return "MinHook.x64.dll"
}

// api is the subset of the MinHook C API the service needs.
type api interface {
	createHook(target, detour uintptr) (trampoline uintptr, s Status)
	removeHook(target uintptr) Status
	queueEnable(target uintptr) Status
	queueDisable(target uintptr) Status
	applyQueued() Status
}

type created struct {
	detour     uintptr
	trampoline uintptr
	enabled    bool
}

type queued struct {
	slot   *uintptr
	target uintptr
	enable bool
}

// Service turns MinHook's queue-and-apply model into begin/attach/commit
// transactions. Created hooks are kept across transactions so a target can
// be enabled and disabled repeatedly with one trampoline.
type Service struct {
	api api
	log *zap.Logger

	mu      sync.Mutex
	open    bool
	pending []queued
	hooks   map[uintptr]*created // by target
	targets map[uintptr]uintptr  // trampoline -> target
}

func newService(a api, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		api:     a,
		log:     log,
		hooks:   make(map[uintptr]*created),
		targets: make(map[uintptr]uintptr),
	}
}

func (s *Service) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return ErrTransactionOpen
	}
	s.open = true
	s.pending = s.pending[:0]
	return nil
}

// Attach queues redirection of the function *slot points at. The slot
// receives the trampoline on Commit. A target that is already redirected is
// refused with ErrEnabled; its hook stays as it is.
func (s *Service) Attach(slot *uintptr, replacement uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrNoTransaction
	}
	target := *slot

	h, ok := s.hooks[target]
	if ok && s.hooked(target, h) {
		return errors.WithMessagef(ErrEnabled, "target %#x is already hooked", target)
	}
	if ok && h.detour != replacement {
		if err := check(s.api.removeHook(target)); err != nil {
			return errors.WithMessagef(err, "replace hook at %#x", target)
		}
		delete(s.targets, h.trampoline)
		delete(s.hooks, target)
		ok = false
	}
	if !ok {
		tramp, st := s.api.createHook(target, replacement)
		if err := check(st); err != nil {
			return errors.WithMessagef(err, "create hook at %#x", target)
		}
		h = &created{detour: replacement, trampoline: tramp}
		s.hooks[target] = h
		s.targets[tramp] = target
		s.log.Debug("hook created",
			zap.Uintptr("target", target),
			zap.Uintptr("trampoline", tramp))
	}

	if err := check(s.api.queueEnable(target)); err != nil {
		return errors.WithMessagef(err, "queue enable at %#x", target)
	}
	s.pending = append(s.pending, queued{slot: slot, target: target, enable: true})
	return nil
}

// Detach queues restoration of a hooked function. *slot must hold the
// trampoline handed out by Attach; it receives the target on Commit.
func (s *Service) Detach(slot *uintptr, replacement uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrNoTransaction
	}
	target, ok := s.targets[*slot]
	if !ok {
		return errors.WithMessagef(ErrUnknownSlot, "%#x", *slot)
	}
	if err := check(s.api.queueDisable(target)); err != nil {
		return errors.WithMessagef(err, "queue disable at %#x", target)
	}
	s.pending = append(s.pending, queued{slot: slot, target: target})
	return nil
}

// Commit applies every queued change at once and publishes the slots. On
// failure the queue is reset and no slot is written.
func (s *Service) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrNoTransaction
	}
	defer s.close()

	if err := check(s.api.applyQueued()); err != nil {
		s.requeueInverse()
		return errors.WithMessage(err, "apply queued")
	}
	for _, q := range s.pending {
		h := s.hooks[q.target]
		h.enabled = q.enable
		if q.enable {
			*q.slot = h.trampoline
		} else {
			*q.slot = q.target
		}
	}
	s.log.Debug("transaction committed", zap.Int("changes", len(s.pending)))
	return nil
}

// Abort drops the queued changes.
func (s *Service) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrNoTransaction
	}
	defer s.close()
	return s.requeueInverse()
}

// hooked reports whether target ends up enabled once the pending changes
// apply.
func (s *Service) hooked(target uintptr, h *created) bool {
	on := h.enabled
	for _, q := range s.pending {
		if q.target == target {
			on = q.enable
		}
	}
	return on
}

// requeueInverse queues the opposite of every pending change, which leaves
// MinHook's queue matching the applied state.
func (s *Service) requeueInverse() error {
	var first error
	for i := len(s.pending) - 1; i >= 0; i-- {
		q := s.pending[i]
		var st Status
		if q.enable {
			st = s.api.queueDisable(q.target)
		} else {
			st = s.api.queueEnable(q.target)
		}
		if err := check(st); err != nil && first == nil {
			first = errors.WithMessagef(err, "reset queue at %#x", q.target)
		}
	}
	return first
}

func (s *Service) close() {
	s.open = false
	s.pending = s.pending[:0]
}
