// Package resolve turns hook locators into concrete function addresses.
//
// A locator names its target in one of three ways, checked in this order:
//
//	0x7FF6A1C01230          literal address
//	pattern:55 8B EC ?? 53  byte signature searched in the module image
//	GetProtocolID           exported symbol, with an optional decorated name
package resolve

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"hooktiller/pkg/pattern"
)

const (
	addressPrefix = "0x"
	patternPrefix = "pattern:"
)

var (
	ErrModuleNotFound       = errors.New("module not found")
	ErrExportNotFound       = errors.New("export not found")
	ErrPatternNotFound      = errors.New("pattern not found")
	ErrInvalidAddressFormat = errors.New("invalid address format")
	ErrMalformedPattern     = pattern.ErrMalformedPattern
)

// Address is an opaque code address inside the process.
type Address uintptr

func (a Address) String() string {
	return fmt.Sprintf("0x%X", uintptr(a))
}

// Module is a loaded image. An empty Name in a lookup means the primary
// image of the process.
type Module struct {
	Name string
	Base uintptr
	Size uintptr
}

func (m Module) Contains(addr Address) bool {
	return uintptr(addr) >= m.Base && uintptr(addr)-m.Base < m.Size
}

type ModuleLookup interface {
	Module(name string) (Module, error)
}

type ExportLookup interface {
	Export(m Module, name string) (Address, bool)
}

type MemoryReader interface {
	ReadRegion(base, size uintptr) ([]byte, error)
}

// Host is everything the resolver needs from the process it runs against.
type Host interface {
	ModuleLookup
	ExportLookup
	MemoryReader
}

// Kind is the shape of a locator.
type Kind int

const (
	KindExport Kind = iota
	KindAddress
	KindPattern
)

func (k Kind) String() string {
	switch k {
	case KindAddress:
		return "address"
	case KindPattern:
		return "pattern"
	default:
		return "export"
	}
}

// Locator describes where a hook target lives. Target holds a literal
// address, a "pattern:" signature or an export name; Decorated is tried
// when the plain export name is missing.
type Locator struct {
	Module    string
	Target    string
	Decorated string
}

// ExportLocator builds a locator for an exported function.
func ExportLocator(module, name, decorated string) Locator {
	return Locator{Module: module, Target: name, Decorated: decorated}
}

// AddressLocator builds a locator for a known address.
func AddressLocator(addr Address) Locator {
	return Locator{Target: addr.String()}
}

// PatternLocator builds a locator that searches module for sig.
func PatternLocator(module, sig string) Locator {
	return Locator{Module: module, Target: patternPrefix + sig}
}

func (l Locator) Kind() Kind {
	switch {
	case hasAddressPrefix(l.Target):
		return KindAddress
	case strings.HasPrefix(l.Target, patternPrefix):
		return KindPattern
	default:
		return KindExport
	}
}

func (l Locator) String() string {
	mod := l.Module
	if mod == "" {
		mod = "<main>"
	}
	switch l.Kind() {
	case KindAddress:
		return l.Target
	case KindPattern:
		return mod + " " + l.Target
	}
	if l.Decorated != "" {
		return fmt.Sprintf("%s!%s (%s)", mod, l.Target, l.Decorated)
	}
	return mod + "!" + l.Target
}

func hasAddressPrefix(s string) bool {
	return strings.HasPrefix(s, addressPrefix) || strings.HasPrefix(s, "0X")
}

// ParseAddress parses the text of a literal address locator.
func ParseAddress(s string) (Address, error) {
	if !hasAddressPrefix(s) {
		return 0, errors.Wrapf(ErrInvalidAddressFormat, "%q lacks the 0x prefix", s)
	}
	v, err := strconv.ParseUint(s[len(addressPrefix):], 16, strconv.IntSize)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidAddressFormat, "%q: %v", s, err)
	}
	if v == 0 {
		return 0, errors.Wrapf(ErrInvalidAddressFormat, "%q is a null address", s)
	}
	return Address(v), nil
}

// Resolver resolves locators against a Host.
type Resolver struct {
	host Host
	log  *zap.Logger
}

func New(host Host, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{host: host, log: log}
}

// Resolve returns the address a locator points at. Literal addresses never
// touch the host.
func (r *Resolver) Resolve(loc Locator) (Address, error) {
	var (
		addr Address
		err  error
	)
	switch loc.Kind() {
	case KindAddress:
		addr, err = ParseAddress(loc.Target)
	case KindPattern:
		addr, err = r.resolvePattern(loc)
	default:
		addr, err = r.resolveExport(loc)
	}
	if err != nil {
		r.log.Warn("resolution failed",
			zap.Stringer("locator", loc),
			zap.Stringer("kind", loc.Kind()),
			zap.Error(err))
		return 0, err
	}
	r.log.Info("resolved",
		zap.Stringer("locator", loc),
		zap.Stringer("address", addr))
	return addr, nil
}

func (r *Resolver) module(name string) (Module, error) {
	m, err := r.host.Module(name)
	if err != nil {
		if errors.Is(err, ErrModuleNotFound) {
			return Module{}, err
		}
		return Module{}, errors.Wrapf(ErrModuleNotFound, "%s: %v", displayName(name), err)
	}
	return m, nil
}

func (r *Resolver) resolvePattern(loc Locator) (Address, error) {
	p, err := pattern.Parse(strings.TrimPrefix(loc.Target, patternPrefix))
	if err != nil {
		return 0, err
	}
	m, err := r.module(loc.Module)
	if err != nil {
		return 0, err
	}
	image, err := r.host.ReadRegion(m.Base, m.Size)
	if err != nil {
		return 0, errors.Wrapf(ErrModuleNotFound, "%s image unreadable: %v", displayName(loc.Module), err)
	}
	r.log.Debug("scanning module",
		zap.String("module", displayName(loc.Module)),
		zap.Stringer("base", Address(m.Base)),
		zap.Uintptr("size", m.Size),
		zap.Int("pattern_len", p.Len()))
	found, ok := pattern.Find(p, m.Base, image)
	if !ok {
		return 0, errors.Wrapf(ErrPatternNotFound, "%s in %s", p, displayName(loc.Module))
	}
	return Address(found), nil
}

func (r *Resolver) resolveExport(loc Locator) (Address, error) {
	m, err := r.module(loc.Module)
	if err != nil {
		return 0, err
	}
	if addr, ok := r.host.Export(m, loc.Target); ok {
		return addr, nil
	}
	if loc.Decorated != "" {
		if addr, ok := r.host.Export(m, loc.Decorated); ok {
			return addr, nil
		}
		return 0, errors.Wrapf(ErrExportNotFound, "%s or %s in %s", loc.Target, loc.Decorated, displayName(loc.Module))
	}
	return 0, errors.Wrapf(ErrExportNotFound, "%s in %s", loc.Target, displayName(loc.Module))
}

func displayName(module string) string {
	if module == "" {
		return "<main>"
	}
	return module
}
