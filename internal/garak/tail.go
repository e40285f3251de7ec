package garak

import (
	"strings"
	"sync"
)

const maxTailLine = 512

// tail keeps the last n lines, each cut to maxTailLine bytes.
type tail struct {
	mx    sync.Mutex
	n     int
	lines []string
}

func newTail(n int) *tail {
	return &tail{n: n, lines: make([]string, 0, n)}
}

func (t *tail) add(line string) {
	if len(line) > maxTailLine {
		line = line[:maxTailLine] + "..."
	}
	t.mx.Lock()
	defer t.mx.Unlock()
	if len(t.lines) == t.n {
		copy(t.lines, t.lines[1:])
		t.lines = t.lines[:t.n-1]
	}
	t.lines = append(t.lines, line)
}

func (t *tail) String() string {
	t.mx.Lock()
	defer t.mx.Unlock()
	return strings.Join(t.lines, "\n")
}
