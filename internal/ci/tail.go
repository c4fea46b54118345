package ci

import (
	"bytes"
	"sync"
)

// TailLines is how many output lines an Announcement keeps.
const TailLines = 50

// Tail is an io.Writer that remembers the last n complete lines written
// to it, plus any unterminated final line.
type Tail struct {
	mu      sync.Mutex
	n       int
	lines   []string
	partial []byte
}

// NewTail returns a Tail keeping n lines.
func NewTail(n int) *Tail {
	return &Tail{n: n}
}

// Write implements io.Writer.
func (t *Tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	data := append(t.partial, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		t.push(string(bytes.TrimSuffix(data[:i], []byte("\r"))))
		data = data[i+1:]
	}
	t.partial = append([]byte(nil), data...)
	return len(p), nil
}

func (t *Tail) push(line string) {
	t.lines = append(t.lines, line)
	if over := len(t.lines) - t.n; over > 0 {
		t.lines = append(t.lines[:0], t.lines[over:]...)
	}
}

// Lines returns the retained lines, oldest first.
func (t *Tail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := append([]string(nil), t.lines...)
	if len(t.partial) > 0 {
		out = append(out, string(t.partial))
		if len(out) > t.n {
			out = out[len(out)-t.n:]
		}
	}
	return out
}
