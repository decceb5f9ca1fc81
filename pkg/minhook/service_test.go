package minhook

import (
	"errors"
	"reflect"
	"testing"

	"go.uber.org/zap/zaptest"

	"hooktiller/pkg/hook"
)

var _ hook.Detour = (*Service)(nil)

// fakeAPI models MinHook's created/enabled/queued flags per target.
type fakeAPI struct {
	created map[uintptr]uintptr
	enabled map[uintptr]bool
	queue   map[uintptr]bool
	calls   []string

	createStatus Status
	applyStatus  Status
	nextTramp    uintptr
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		created:   map[uintptr]uintptr{},
		enabled:   map[uintptr]bool{},
		queue:     map[uintptr]bool{},
		nextTramp: 0x7000,
	}
}

func (f *fakeAPI) createHook(target, detour uintptr) (uintptr, Status) {
	f.calls = append(f.calls, "create")
	if f.createStatus != OK {
		return 0, f.createStatus
	}
	if _, ok := f.created[target]; ok {
		return 0, ErrAlreadyCreated
	}
	f.nextTramp += 0x100
	f.created[target] = f.nextTramp
	return f.nextTramp, OK
}

func (f *fakeAPI) removeHook(target uintptr) Status {
	f.calls = append(f.calls, "remove")
	if _, ok := f.created[target]; !ok {
		return ErrNotCreated
	}
	delete(f.created, target)
	delete(f.enabled, target)
	delete(f.queue, target)
	return OK
}

func (f *fakeAPI) queueEnable(target uintptr) Status {
	f.calls = append(f.calls, "queue-enable")
	if _, ok := f.created[target]; !ok {
		return ErrNotCreated
	}
	f.queue[target] = true
	return OK
}

func (f *fakeAPI) queueDisable(target uintptr) Status {
	f.calls = append(f.calls, "queue-disable")
	if _, ok := f.created[target]; !ok {
		return ErrNotCreated
	}
	f.queue[target] = false
	return OK
}

func (f *fakeAPI) applyQueued() Status {
	f.calls = append(f.calls, "apply")
	if f.applyStatus != OK {
		return f.applyStatus
	}
	for target, on := range f.queue {
		f.enabled[target] = on
	}
	return OK
}

func newTestService(t *testing.T) (*Service, *fakeAPI) {
	t.Helper()
	api := newFakeAPI()
	return newService(api, zaptest.NewLogger(t)), api
}

func attach(t *testing.T, s *Service, slot *uintptr, replacement uintptr) {
	t.Helper()
	if err := s.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := s.Attach(slot, replacement); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestAttachPublishesTrampolineOnCommit(t *testing.T) {
	s, api := newTestService(t)
	slot := uintptr(0x1000)

	if err := s.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := s.Attach(&slot, 0x9000); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if slot != 0x1000 {
		t.Fatalf("slot written before commit: %#x", slot)
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if slot != api.created[0x1000] || slot == 0 {
		t.Fatalf("slot = %#x want trampoline %#x", slot, api.created[0x1000])
	}
	if !api.enabled[0x1000] {
		t.Fatalf("target not enabled")
	}
}

func TestDetachRestoresTargetAndReusesHook(t *testing.T) {
	s, api := newTestService(t)
	slot := uintptr(0x1000)

	for i := 0; i < 3; i++ {
		attach(t, s, &slot, 0x9000)
		if err := s.Begin(); err != nil {
			t.Fatalf("Begin: %v", err)
		}
		if err := s.Detach(&slot, 0x9000); err != nil {
			t.Fatalf("Detach: %v", err)
		}
		if err := s.Commit(); err != nil {
			t.Fatalf("Commit: %v", err)
		}
		if slot != 0x1000 {
			t.Fatalf("cycle %d: slot = %#x want target", i, slot)
		}
		if api.enabled[0x1000] {
			t.Fatalf("cycle %d: still enabled", i)
		}
	}
	creates := 0
	for _, c := range api.calls {
		if c == "create" {
			creates++
		}
	}
	if creates != 1 {
		t.Fatalf("creates = %d want 1", creates)
	}
}

func TestAttachWithNewReplacementRecreates(t *testing.T) {
	s, api := newTestService(t)
	slot := uintptr(0x1000)
	attach(t, s, &slot, 0x9000)
	first := slot

	if err := s.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := s.Detach(&slot, 0x9000); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	attach(t, s, &slot, 0xA000)
	if slot == first {
		t.Fatalf("trampoline reused for a different replacement")
	}
	if _, ok := s.targets[first]; ok {
		t.Fatalf("stale trampoline still mapped")
	}
	if api.created[0x1000] != slot {
		t.Fatalf("created = %#x slot = %#x", api.created[0x1000], slot)
	}
}

func TestAbortLeavesQueueMatchingApplied(t *testing.T) {
	s, api := newTestService(t)
	slot := uintptr(0x1000)

	if err := s.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := s.Attach(&slot, 0x9000); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := s.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if slot != 0x1000 {
		t.Fatalf("slot = %#x after abort", slot)
	}
	if api.queue[0x1000] {
		t.Fatalf("enable still queued after abort")
	}

	// An unrelated transaction must not apply the aborted change.
	other := uintptr(0x2000)
	attach(t, s, &other, 0x9100)
	if api.enabled[0x1000] {
		t.Fatalf("aborted hook was applied by a later commit")
	}
}

func TestCommitFailureWritesNothing(t *testing.T) {
	s, api := newTestService(t)
	slot := uintptr(0x1000)
	api.applyStatus = ErrMemoryProtect

	if err := s.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := s.Attach(&slot, 0x9000); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	err := s.Commit()
	if !errors.Is(err, ErrMemoryProtect) {
		t.Fatalf("Commit err = %v", err)
	}
	if slot != 0x1000 {
		t.Fatalf("slot = %#x after failed commit", slot)
	}
	if api.queue[0x1000] {
		t.Fatalf("queue not reset")
	}
	if err := s.Begin(); err != nil {
		t.Fatalf("transaction left open: %v", err)
	}
}

func TestCreateFailure(t *testing.T) {
	s, api := newTestService(t)
	api.createStatus = ErrNotExecutable
	slot := uintptr(0x1000)

	if err := s.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := s.Attach(&slot, 0x9000); !errors.Is(err, ErrNotExecutable) {
		t.Fatalf("Attach err = %v", err)
	}
	if err := s.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
}

func TestTransactionDiscipline(t *testing.T) {
	s, _ := newTestService(t)
	slot := uintptr(0x1000)

	if err := s.Attach(&slot, 0x9000); !errors.Is(err, ErrNoTransaction) {
		t.Fatalf("Attach outside txn = %v", err)
	}
	if err := s.Commit(); !errors.Is(err, ErrNoTransaction) {
		t.Fatalf("Commit outside txn = %v", err)
	}
	if err := s.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := s.Begin(); !errors.Is(err, ErrTransactionOpen) {
		t.Fatalf("nested Begin = %v", err)
	}
	unknown := uintptr(0xBAD)
	if err := s.Detach(&unknown, 0x9000); !errors.Is(err, ErrUnknownSlot) {
		t.Fatalf("Detach unknown = %v", err)
	}
}

func TestRegistryDrivesService(t *testing.T) {
	s, api := newTestService(t)
	reg := hook.NewRegistry(nil, s, zaptest.NewLogger(t))
	if err := reg.RegisterAddress("tick", 0x1000, "tick", 0x9000); err != nil {
		t.Fatalf("RegisterAddress: %v", err)
	}

	if err := reg.Install("tick"); err != nil {
		t.Fatalf("Install: %v", err)
	}
	orig, _ := reg.Original("tick")
	if uintptr(orig) != api.created[0x1000] {
		t.Fatalf("Original = %v want trampoline %#x", orig, api.created[0x1000])
	}
	if err := reg.Uninstall("tick"); err != nil {
		t.Fatalf("Uninstall: %v", err)
	}
	orig, _ = reg.Original("tick")
	if orig != 0x1000 {
		t.Fatalf("Original after uninstall = %v", orig)
	}

	want := []string{"create", "queue-enable", "apply", "queue-disable", "apply"}
	if !reflect.DeepEqual(api.calls, want) {
		t.Fatalf("calls = %v want %v", api.calls, want)
	}
}

func TestAttachRefusesHookedTarget(t *testing.T) {
	s, api := newTestService(t)
	first := uintptr(0x1000)
	attach(t, s, &first, 0x9000)
	tramp := first

	for _, replacement := range []uintptr{0x9000, 0xA000} {
		second := uintptr(0x1000)
		if err := s.Begin(); err != nil {
			t.Fatalf("Begin: %v", err)
		}
		if err := s.Attach(&second, replacement); !errors.Is(err, ErrEnabled) {
			t.Fatalf("Attach(%#x) over a hooked target = %v", replacement, err)
		}
		if err := s.Abort(); err != nil {
			t.Fatalf("Abort: %v", err)
		}
	}

	if api.created[0x1000] != tramp || !api.enabled[0x1000] {
		t.Fatalf("first hook disturbed: created %#x enabled %v", api.created[0x1000], api.enabled[0x1000])
	}
	if err := s.Begin(); err != nil {
		t.Fatal(err)
	}
	if err := s.Detach(&first, 0x9000); err != nil {
		t.Fatalf("Detach of the first hook: %v", err)
	}
	if err := s.Commit(); err != nil {
		t.Fatal(err)
	}
	if first != 0x1000 {
		t.Fatalf("slot = %#x after detach", first)
	}
}

func TestRegistryRefusesSharedTarget(t *testing.T) {
	s, api := newTestService(t)
	reg := hook.NewRegistry(nil, s, zaptest.NewLogger(t))
	for _, id := range []string{"a", "b"} {
		if err := reg.RegisterAddress(id, 0x1000, id, 0x9000); err != nil {
			t.Fatalf("RegisterAddress(%s): %v", id, err)
		}
	}

	if err := reg.Install("a"); err != nil {
		t.Fatalf("Install a: %v", err)
	}
	if err := reg.Install("b"); !errors.Is(err, hook.ErrAttachFailed) {
		t.Fatalf("Install b = %v, want ErrAttachFailed", err)
	}
	orig, _ := reg.Original("a")
	if uintptr(orig) != api.created[0x1000] {
		t.Fatalf("Original(a) = %v, live trampoline %#x", orig, api.created[0x1000])
	}
	if err := reg.Uninstall("a"); err != nil {
		t.Fatalf("Uninstall a: %v", err)
	}
	if err := reg.Install("b"); err != nil {
		t.Fatalf("Install b after a is gone: %v", err)
	}
}

func TestAttachRefusesTargetQueuedInSameTransaction(t *testing.T) {
	s, _ := newTestService(t)
	first, second := uintptr(0x1000), uintptr(0x1000)

	if err := s.Begin(); err != nil {
		t.Fatal(err)
	}
	if err := s.Attach(&first, 0x9000); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := s.Attach(&second, 0xA000); !errors.Is(err, ErrEnabled) {
		t.Fatalf("second Attach in one transaction = %v", err)
	}
	if err := s.Commit(); err != nil {
		t.Fatal(err)
	}
	if first == 0x1000 || second != 0x1000 {
		t.Fatalf("slots = %#x, %#x", first, second)
	}
}
