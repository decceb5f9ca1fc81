package main

import (
	"fmt"
	"strings"
	"sync"

	"hooktiller/pkg/eventlog"
)

const maxLogLines = 200

// logPanel is the console writer behind the log view. A line that repeats
// the previous message, ignoring its timestamp, replaces it with a counter.
type logPanel struct {
	mu       sync.Mutex
	lines    []string
	lastKey  string
	count    int
	onChange func(text string)
}

func (p *logPanel) Write(b []byte) (int, error) {
	p.mu.Lock()
	for _, line := range strings.Split(strings.TrimRight(string(b), "\n"), "\n") {
		p.add(line)
	}
	text := strings.Join(p.lines, "\n")
	p.mu.Unlock()

	if p.onChange != nil {
		p.onChange(text)
	}
	return len(b), nil
}

func (p *logPanel) add(line string) {
	key := line
	if n := len(eventlog.TimeLayout); len(line) > n && line[0] == '[' {
		key = line[n:]
	}
	if key == p.lastKey && len(p.lines) > 0 {
		p.count++
		p.lines[len(p.lines)-1] = collapseMsg(line, p.count)
		return
	}
	p.lastKey = key
	p.count = 1
	p.lines = append(p.lines, line)
	if len(p.lines) > maxLogLines {
		p.lines = p.lines[len(p.lines)-maxLogLines:]
	}
}

func (p *logPanel) clear() {
	p.mu.Lock()
	p.lines = nil
	p.lastKey = ""
	p.count = 0
	p.mu.Unlock()
	if p.onChange != nil {
		p.onChange("")
	}
}

func (p *logPanel) text() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Join(p.lines, "\n")
}

func collapseMsg(msg string, count int) string {
	if count <= 1 {
		return msg
	}
	return fmt.Sprintf("%s (x%d)", msg, count)
}
