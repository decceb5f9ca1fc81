//go:build windows

package minhook

import (
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

// Library is a loaded and initialized MinHook DLL.
type Library struct {
	*Service

	dll            *windows.LazyDLL
	mhInitialize   *windows.LazyProc
	mhUninit       *windows.LazyProc
	mhCreateHook   *windows.LazyProc
	mhRemoveHook   *windows.LazyProc
	mhQueueEnable  *windows.LazyProc
	mhQueueDisable *windows.LazyProc
	mhApplyQueued  *windows.LazyProc
}

// Load loads the DLL at path (DefaultLibrary when empty) and runs
// MH_Initialize.
func Load(path string, log *zap.Logger) (*Library, error) {
	if path == "" {
		path = DefaultLibrary()
	}
	dll := windows.NewLazyDLL(path)
	if err := dll.Load(); err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}

	l := &Library{
		dll:            dll,
		mhInitialize:   dll.NewProc("MH_Initialize"),
		mhUninit:       dll.NewProc("MH_Uninitialize"),
		mhCreateHook:   dll.NewProc("MH_CreateHook"),
		mhRemoveHook:   dll.NewProc("MH_RemoveHook"),
		mhQueueEnable:  dll.NewProc("MH_QueueEnableHook"),
		mhQueueDisable: dll.NewProc("MH_QueueDisableHook"),
		mhApplyQueued:  dll.NewProc("MH_ApplyQueued"),
	}
	for _, p := range []*windows.LazyProc{
		l.mhInitialize, l.mhUninit, l.mhCreateHook, l.mhRemoveHook,
		l.mhQueueEnable, l.mhQueueDisable, l.mhApplyQueued,
	} {
		if err := p.Find(); err != nil {
			return nil, errors.Wrapf(err, "%s lacks %s", path, p.Name)
		}
	}

	if err := check(l.call(l.mhInitialize)); err != nil && err != ErrAlreadyInitialized {
		return nil, errors.WithMessage(err, "MH_Initialize")
	}
	l.Service = newService(l, log)
	l.log.Info("minhook loaded", zap.String("library", path))
	return l, nil
}

// Close runs MH_Uninitialize, which disables and removes every hook.
func (l *Library) Close() error {
	return errors.WithMessage(check(l.call(l.mhUninit)), "MH_Uninitialize")
}

func (l *Library) call(p *windows.LazyProc, args ...uintptr) Status {
	r1, _, _ := p.Call(args...)
	return statusOf(r1)
}

func (l *Library) createHook(target, detour uintptr) (uintptr, Status) {
	var tramp uintptr
	st := l.call(l.mhCreateHook, target, detour, uintptr(unsafe.Pointer(&tramp)))
	return tramp, st
}

func (l *Library) removeHook(target uintptr) Status {
	return l.call(l.mhRemoveHook, target)
}

func (l *Library) queueEnable(target uintptr) Status {
	return l.call(l.mhQueueEnable, target)
}

func (l *Library) queueDisable(target uintptr) Status {
	return l.call(l.mhQueueDisable, target)
}

func (l *Library) applyQueued() Status {
	return l.call(l.mhApplyQueued)
}
