// Utilities for splitting process & log output into lines
package logtee

import (
	"bytes"
	"io"
	"sync"
)

// writes everything to sink, and additionally calls lineCompleted for each full line
type LineSplitterTee struct {
	sink          io.Writer
	buf           []byte // buffer before receiving \n
	lineCompleted func(string)
	mu            sync.Mutex
}

func NewLineSplitterTee(sink io.Writer, lineCompleted func(string)) *LineSplitterTee {
	return &LineSplitterTee{
		sink:          sink,
		buf:           []byte{},
		lineCompleted: lineCompleted,
	}
}

func (l *LineSplitterTee) Write(data []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.sink.Write(data); err != nil {
		return 0, err
	}

	l.buf = append(l.buf, data...)

	// as long as we have lines, chop the buffer down
	for {
		idx := bytes.IndexByte(l.buf, '\n')
		if idx == -1 {
			break
		}

		l.lineCompleted(string(bytes.TrimSuffix(l.buf[0:idx], []byte{'\r'})))

		l.buf = l.buf[idx+1:]
	}

	return len(data), nil
}

// processes usually end their output with a newline, but not always. this reports the
// unterminated last line (if any)
func (l *LineSplitterTee) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.buf) > 0 {
		l.lineCompleted(string(l.buf))
		l.buf = []byte{}
	}
}
