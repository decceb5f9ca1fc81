// Package hook keeps the set of function hooks owned by an injected module
// and drives their install/uninstall lifecycle through a detour service.
package hook

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"hooktiller/pkg/resolve"
)

var (
	ErrDuplicateHookID = errors.New("duplicate hook id")
	ErrUnknownHookID   = errors.New("unknown hook id")
	ErrAttachFailed    = errors.New("detour attach failed")
	ErrDetachFailed    = errors.New("detour detach failed")
	ErrInvalidHook     = errors.New("invalid hook descriptor")
	ErrClosed          = errors.New("registry closed")
)

// State is where a hook is in its lifecycle.
type State int

const (
	Registered State = iota
	Installed
)

func (s State) String() string {
	if s == Installed {
		return "installed"
	}
	return "registered"
}

// Detour is a transactional code-redirection service.
//
// Attach and Detach take a pointer to the caller's original slot. Attach
// expects *slot to hold the target entry point and Detach expects the
// trampoline published by a previous Attach. The service writes the slot
// only when Commit succeeds: the trampoline after an attach, the target
// after a detach. A failed Commit applies nothing.
type Detour interface {
	Begin() error
	Attach(slot *uintptr, replacement uintptr) error
	Detach(slot *uintptr, replacement uintptr) error
	Commit() error
	Abort() error
}

// Resolver turns a locator into a code address.
type Resolver interface {
	Resolve(loc resolve.Locator) (resolve.Address, error)
}

type descriptor struct {
	id          string
	label       string
	loc         resolve.Locator
	replacement resolve.Address
	resolved    resolve.Address
	original    uintptr
	state       State
}

// Info is a point-in-time copy of a hook descriptor.
type Info struct {
	ID          string
	Label       string
	Locator     resolve.Locator
	Replacement resolve.Address
	Resolved    resolve.Address
	Original    resolve.Address
	State       State
}

func (d *descriptor) info() Info {
	return Info{
		ID:          d.id,
		Label:       d.label,
		Locator:     d.loc,
		Replacement: d.replacement,
		Resolved:    d.resolved,
		Original:    resolve.Address(d.original),
		State:       d.state,
	}
}

// Registry owns hook descriptors. One detour transaction is in flight at a
// time; mu is held across resolution and the whole transaction. Readers take
// only view, which writers hold just long enough to publish a change, so the
// original can be fetched from inside a hooked function or a log sink while
// an install is running. Log entries produced under mu are written after it
// is released.
type Registry struct {
	mu       sync.Mutex
	view     sync.RWMutex
	hooks    map[string]*descriptor
	resolver Resolver
	detour   Detour
	log      *zap.Logger
	closed   bool
	deferred []func()
}

func NewRegistry(resolver Resolver, detour Detour, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		hooks:    make(map[string]*descriptor),
		resolver: resolver,
		detour:   detour,
		log:      log,
	}
}

// unlock releases mu and then runs whatever was queued with after.
func (r *Registry) unlock() {
	queued := r.deferred
	r.deferred = nil
	r.mu.Unlock()
	for _, fn := range queued {
		fn()
	}
}

func (r *Registry) after(fn func()) {
	r.deferred = append(r.deferred, fn)
}

func (r *Registry) publish(fn func()) {
	r.view.Lock()
	defer r.view.Unlock()
	fn()
}

// Register adds a hook in the Registered state. Ids stay taken for the
// lifetime of the registry.
func (r *Registry) Register(id string, loc resolve.Locator, replacement resolve.Address, label string) error {
	return r.add(&descriptor{id: id, label: label, loc: loc, replacement: replacement})
}

// RegisterExport registers a hook on an exported function. decorated may be
// empty.
func (r *Registry) RegisterExport(id, module, function, decorated string, replacement resolve.Address) error {
	return r.Register(id, resolve.ExportLocator(module, function, decorated), replacement, function)
}

// RegisterLocator registers a hook whose target is a "0x" address or a
// "pattern:" signature inside module.
func (r *Registry) RegisterLocator(id, module, patternOrAddress, label string, replacement resolve.Address) error {
	return r.Register(id, resolve.Locator{Module: module, Target: patternOrAddress}, replacement, label)
}

// RegisterAddress registers a hook on a known address. The address counts as
// already resolved.
func (r *Registry) RegisterAddress(id string, addr resolve.Address, label string, replacement resolve.Address) error {
	if addr == 0 {
		return errors.Wrapf(resolve.ErrInvalidAddressFormat, "hook %q: null target address", id)
	}
	return r.add(&descriptor{
		id:          id,
		label:       label,
		loc:         resolve.AddressLocator(addr),
		replacement: replacement,
		resolved:    addr,
		original:    uintptr(addr),
	})
}

func (r *Registry) add(d *descriptor) error {
	if d.id == "" {
		return errors.WithMessage(ErrInvalidHook, "empty id")
	}
	if d.replacement == 0 {
		return errors.WithMessagef(ErrInvalidHook, "hook %q: null replacement", d.id)
	}

	r.mu.Lock()
	defer r.unlock()
	if r.closed {
		return ErrClosed
	}
	id, label, loc := d.id, d.label, d.loc
	if _, ok := r.hooks[id]; ok {
		r.after(func() { r.log.Warn("duplicate hook id", zap.String("id", id)) })
		return errors.WithMessagef(ErrDuplicateHookID, "%q", id)
	}
	r.publish(func() { r.hooks[id] = d })
	r.after(func() {
		r.log.Info("registered",
			zap.String("id", id),
			zap.String("label", label),
			zap.Stringer("locator", loc))
	})
	return nil
}

func (r *Registry) get(id string) (*descriptor, error) {
	d, ok := r.hooks[id]
	if !ok {
		return nil, errors.WithMessagef(ErrUnknownHookID, "%q", id)
	}
	return d, nil
}

// Install resolves the hook target on first use and redirects it to the
// replacement. Installing an installed hook does nothing. A target already
// redirected by another hook is refused with ErrAttachFailed.
func (r *Registry) Install(id string) error {
	r.mu.Lock()
	defer r.unlock()
	if r.closed {
		return ErrClosed
	}
	d, err := r.get(id)
	if err != nil {
		return err
	}
	return r.install(d)
}

// Uninstall restores the original entry point. Uninstalling a hook that is
// not installed does nothing.
func (r *Registry) Uninstall(id string) error {
	r.mu.Lock()
	defer r.unlock()
	d, err := r.get(id)
	if err != nil {
		return err
	}
	return r.uninstall(d)
}

// installedAt returns the installed hook redirecting addr, if any.
func (r *Registry) installedAt(addr resolve.Address) *descriptor {
	for _, d := range r.hooks {
		if d.state == Installed && d.resolved == addr {
			return d
		}
	}
	return nil
}

func (r *Registry) install(d *descriptor) error {
	if d.state == Installed {
		return nil
	}
	id := d.id
	if d.resolved == 0 {
		addr, err := r.resolver.Resolve(d.loc)
		if err != nil {
			loc := d.loc
			r.after(func() {
				r.log.Error("resolve failed",
					zap.String("id", id),
					zap.Stringer("locator", loc),
					zap.Error(err))
			})
			return err
		}
		r.publish(func() {
			d.resolved = addr
			d.original = uintptr(addr)
		})
	}
	addr := d.resolved

	if other := r.installedAt(addr); other != nil {
		owner := other.id
		r.after(func() {
			r.log.Error("target already hooked",
				zap.String("id", id),
				zap.String("owner", owner),
				zap.Stringer("address", addr))
		})
		return errors.WithMessagef(ErrAttachFailed, "hook %q at %s: target already hooked by %q", id, addr, owner)
	}

	slot := d.original
	if err := r.transact(func() error {
		return r.detour.Attach(&slot, uintptr(d.replacement))
	}); err != nil {
		r.after(func() {
			r.log.Error("install failed",
				zap.String("id", id),
				zap.Stringer("address", addr),
				zap.Error(err))
		})
		return errors.WithMessagef(ErrAttachFailed, "hook %q at %s: %v", id, addr, err)
	}
	r.publish(func() {
		d.original = slot
		d.state = Installed
	})
	r.after(func() {
		r.log.Info("installed",
			zap.String("id", id),
			zap.Stringer("address", addr),
			zap.Stringer("original", resolve.Address(slot)))
	})
	return nil
}

func (r *Registry) uninstall(d *descriptor) error {
	if d.state != Installed {
		return nil
	}
	id, addr := d.id, d.resolved
	slot := d.original
	if err := r.transact(func() error {
		return r.detour.Detach(&slot, uintptr(d.replacement))
	}); err != nil {
		r.after(func() {
			r.log.Error("uninstall failed",
				zap.String("id", id),
				zap.Stringer("address", addr),
				zap.Error(err))
		})
		return errors.WithMessagef(ErrDetachFailed, "hook %q at %s: %v", id, addr, err)
	}
	r.publish(func() {
		d.original = slot
		d.state = Registered
	})
	r.after(func() {
		r.log.Info("uninstalled",
			zap.String("id", id),
			zap.Stringer("address", addr))
	})
	return nil
}

// transact runs op inside one detour transaction.
func (r *Registry) transact(op func() error) error {
	if err := r.detour.Begin(); err != nil {
		return errors.Wrap(err, "begin")
	}
	if err := op(); err != nil {
		if aerr := r.detour.Abort(); aerr != nil {
			r.after(func() { r.log.Warn("abort failed", zap.Error(aerr)) })
		}
		return err
	}
	if err := r.detour.Commit(); err != nil {
		return errors.Wrap(err, "commit")
	}
	return nil
}

// sortedIDs needs mu or view held.
func (r *Registry) sortedIDs() []string {
	ids := make([]string, 0, len(r.hooks))
	for id := range r.hooks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// InstallAll installs every hook in id order. A failing hook does not stop
// the others; the returned error combines every failure.
func (r *Registry) InstallAll() error {
	r.mu.Lock()
	defer r.unlock()
	if r.closed {
		return ErrClosed
	}
	var errs error
	for _, id := range r.sortedIDs() {
		errs = multierr.Append(errs, r.install(r.hooks[id]))
	}
	if errs != nil {
		failed := len(multierr.Errors(errs))
		r.after(func() { r.log.Warn("install-all finished with failures", zap.Int("failed", failed)) })
	}
	return errs
}

// UninstallAll is the uninstall counterpart of InstallAll.
func (r *Registry) UninstallAll() error {
	r.mu.Lock()
	defer r.unlock()
	return r.uninstallAll()
}

func (r *Registry) uninstallAll() error {
	var errs error
	for _, id := range r.sortedIDs() {
		errs = multierr.Append(errs, r.uninstall(r.hooks[id]))
	}
	if errs != nil {
		failed := len(multierr.Errors(errs))
		r.after(func() { r.log.Warn("uninstall-all finished with failures", zap.Int("failed", failed)) })
	}
	return errs
}

// Original returns the address that reaches the original behaviour of the
// hooked function: the trampoline while installed, the target otherwise.
// ok is false for unknown ids and for hooks that were never resolved.
// It never waits for an install or uninstall in progress.
//
// Calling through it with the wrong signature is undefined.
func (r *Registry) Original(id string) (resolve.Address, bool) {
	r.view.RLock()
	defer r.view.RUnlock()
	d, ok := r.hooks[id]
	if !ok || d.original == 0 {
		return 0, false
	}
	return resolve.Address(d.original), true
}

func (r *Registry) Lookup(id string) (Info, bool) {
	r.view.RLock()
	defer r.view.RUnlock()
	d, ok := r.hooks[id]
	if !ok {
		return Info{}, false
	}
	return d.info(), true
}

// List returns every hook sorted by id.
func (r *Registry) List() []Info {
	r.view.RLock()
	defer r.view.RUnlock()
	out := make([]Info, 0, len(r.hooks))
	for _, id := range r.sortedIDs() {
		out = append(out, r.hooks[id].info())
	}
	return out
}

// Close uninstalls everything and refuses further registrations and
// installs. Hooks that fail to uninstall are reported but stay in place.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.uninstallAll()
	n := len(r.hooks)
	r.after(func() { r.log.Info("registry closed", zap.Int("hooks", n), zap.Error(err)) })
	return err
}
