package transcript

import (
	"fmt"
	"time"
)

// Kind identifies what a record describes.
type Kind string

const (
	KindStart   Kind = "start"
	KindLine    Kind = "line"
	KindDone    Kind = "done"
	KindFailure Kind = "failure"
)

const timestampLayout = "2006-01-02T15:04:05.000000000Z"

// Record is one entry of a transcript.
type Record struct {
	Kind      Kind
	Timestamp time.Time // UTC
	Content   []byte
	Error     error // set by the reader on malformed input
}

// StartInfo is the content of a start record.
type StartInfo struct {
	RunID   string `json:"run"`
	PID     int    `json:"pid"`
	Script  string `json:"script"`
	WorkDir string `json:"dir,omitempty"`
}

// DoneInfo is the content of a done record.
type DoneInfo struct {
	ExitCode   int    `json:"exit_code"`
	Signal     string `json:"signal,omitempty"`
	Canceled   bool   `json:"canceled"`
	Lines      int    `json:"lines"`
	DurationMS int64  `json:"duration_ms"`
}

// FormatRecord formats a record as "kind timestamp length: content\n".
func FormatRecord(rec Record) []byte {
	timestamp := rec.Timestamp.UTC().Format(timestampLayout)
	out := fmt.Appendf(nil, "%s %s %d: ", rec.Kind, timestamp, len(rec.Content))
	out = append(out, rec.Content...)
	return append(out, '\n')
}
