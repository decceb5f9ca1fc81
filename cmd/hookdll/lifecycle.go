package main

import (
	"sync"

	"github.com/pkg/errors"
)

var errShutDown = errors.New("module shut down")

type stopper interface {
	stop()
}

// lifecycle pairs the one Init with Shutdown. Shutdown waits for an Init
// that is still starting, and a Shutdown that comes first keeps start from
// ever running.
type lifecycle struct {
	once   sync.Once
	mu     sync.Mutex
	active stopper
	err    error
}

// init runs start once and reports its result on every call.
func (l *lifecycle) init(start func() (stopper, error)) error {
	l.once.Do(func() {
		s, err := start()
		l.mu.Lock()
		defer l.mu.Unlock()
		l.active, l.err = s, err
	})
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *lifecycle) shutdown() {
	l.once.Do(func() {})
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active != nil {
		l.active.stop()
		l.active = nil
	}
	l.err = errShutDown
}
