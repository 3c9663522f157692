package monitor

import (
	"bytes"
	"strings"
)

// lineBuffer accumulates raw output and cuts it into lines. It holds the
// partial line between reads.
type lineBuffer struct {
	pending   []byte
	keepEmpty bool
}

// write appends p and returns every line completed by it.
func (b *lineBuffer) write(p []byte) []string {
	b.pending = append(b.pending, p...)

	var lines []string
	consumed := 0
	for {
		i := bytes.IndexByte(b.pending[consumed:], '\n')
		if i < 0 {
			break
		}
		lines = b.appendLine(lines, b.pending[consumed:consumed+i])
		consumed += i + 1
	}
	if consumed > 0 {
		b.pending = append(b.pending[:0], b.pending[consumed:]...)
	}
	return lines
}

// flush returns whatever is left as lines, even without a trailing newline.
func (b *lineBuffer) flush() []string {
	var lines []string
	for _, segment := range bytes.Split(b.pending, []byte{'\n'}) {
		if len(segment) == 0 {
			continue
		}
		lines = b.appendLine(lines, segment)
	}
	b.pending = b.pending[:0]
	return lines
}

func (b *lineBuffer) appendLine(lines []string, raw []byte) []string {
	// Terminals send \r\n
	line := strings.TrimSuffix(string(raw), "\r")
	if line == "" && !b.keepEmpty {
		return lines
	}
	return append(lines, line)
}
