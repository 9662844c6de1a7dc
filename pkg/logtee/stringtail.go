package logtee

import (
	"sync"
)

// keeps only "capacity" last Write() calls (which you can retrieve with Snapshot() )
type StringTail struct {
	lines []string
	next  int // index where next line goes
	full  bool
	mu    sync.Mutex
}

func NewStringTail(capacity int) *StringTail {
	if capacity < 1 {
		capacity = 1
	}

	return &StringTail{
		lines: make([]string, capacity),
	}
}

func (t *StringTail) Write(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lines[t.next] = line
	t.next = (t.next + 1) % len(t.lines)

	if t.next == 0 {
		t.full = true
	}
}

// oldest line first
func (t *StringTail) Snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.full {
		return append([]string{}, t.lines[:t.next]...)
	}

	return append(append([]string{}, t.lines[t.next:]...), t.lines[:t.next]...)
}
