package transport

import (
	"bytes"
	"errors"
)

// ErrLineTooLong is returned when a peer sends more than the buffer limit
// without a newline. The partial line is discarded.
var ErrLineTooLong = errors.New("transport: line exceeds limit")

const defaultMaxLine = 1 << 20

// LineBuffer accumulates raw reads and hands back complete lines only.
type LineBuffer struct {
	buf []byte
	max int
}

func NewLineBuffer(max int) *LineBuffer {
	if max <= 0 {
		max = defaultMaxLine
	}
	return &LineBuffer{max: max}
}

// Feed appends p and returns every complete line now buffered, without the
// terminator. Blank lines are skipped and a trailing \r is trimmed.
func (b *LineBuffer) Feed(p []byte) ([][]byte, error) {
	b.buf = append(b.buf, p...)
	var out [][]byte
	for {
		i := bytes.IndexByte(b.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(b.buf[:i], "\r")
		if len(bytes.TrimSpace(line)) > 0 {
			out = append(out, append([]byte(nil), line...))
		}
		b.buf = b.buf[i+1:]
	}
	if len(b.buf) > b.max {
		b.buf = nil
		return out, ErrLineTooLong
	}
	if len(b.buf) == 0 {
		b.buf = nil
	}
	return out, nil
}

// Pending is the number of buffered bytes not yet terminated.
func (b *LineBuffer) Pending() int { return len(b.buf) }
