package transcript

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"
)

// ErrClosed is returned when recording into a closed Writer.
var ErrClosed = errors.New("transcript writer closed")

// Writer records a transcript. A single goroutine owns the underlying
// io.Writer; the recording methods only hand records to it and are safe for
// concurrent use.
type Writer struct {
	records chan Record
	done    chan struct{}

	mu     sync.Mutex
	closed bool

	errMu sync.Mutex
	err   error // first write error, reported by Close
}

// NewWriter starts the goroutine that writes to w. It runs until Close.
func NewWriter(w io.Writer) *Writer {
	tw := &Writer{
		records: make(chan Record, 100),
		done:    make(chan struct{}),
	}

	go func() {
		defer close(tw.done)
		for rec := range tw.records {
			if _, err := w.Write(FormatRecord(rec)); err != nil {
				tw.errMu.Lock()
				if tw.err == nil {
					tw.err = err
				}
				tw.errMu.Unlock()
			}
		}
	}()

	return tw
}

// Start records the beginning of a run.
func (tw *Writer) Start(info StartInfo) error {
	return tw.writeJSON(KindStart, info)
}

// Line records one output line.
func (tw *Writer) Line(text string) error {
	return tw.write(KindLine, []byte(text))
}

// Done records the normal end of a run.
func (tw *Writer) Done(info DoneInfo) error {
	return tw.writeJSON(KindDone, info)
}

// Failure records a run that ended without a normal exit.
func (tw *Writer) Failure(err error) error {
	return tw.write(KindFailure, []byte(err.Error()))
}

// Close waits for all pending records to be written. It returns the first
// write error, if any.
func (tw *Writer) Close() error {
	tw.mu.Lock()
	if tw.closed {
		tw.mu.Unlock()
		<-tw.done
		return tw.Err()
	}
	tw.closed = true
	close(tw.records)
	tw.mu.Unlock()

	<-tw.done
	return tw.Err()
}

// Err returns the first write error seen so far.
func (tw *Writer) Err() error {
	tw.errMu.Lock()
	defer tw.errMu.Unlock()
	return tw.err
}

func (tw *Writer) writeJSON(kind Kind, v any) error {
	content, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tw.write(kind, content)
}

func (tw *Writer) write(kind Kind, content []byte) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.closed {
		return ErrClosed
	}
	tw.records <- Record{
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Content:   content,
	}
	return nil
}
