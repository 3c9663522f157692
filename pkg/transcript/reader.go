package transcript

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Reader parses records written by Writer.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next record, or io.EOF after the last complete record.
func (tr *Reader) Next() (Record, error) {
	var rec Record

	kind, err := tr.r.ReadString(' ')
	if err != nil {
		if errors.Is(err, io.EOF) && kind == "" {
			return rec, io.EOF
		}
		return rec, fmt.Errorf("reading kind: %w", unexpected(err))
	}
	rec.Kind = Kind(strings.TrimSuffix(kind, " "))

	timestamp, err := tr.r.ReadString(' ')
	if err != nil {
		return rec, fmt.Errorf("reading timestamp: %w", unexpected(err))
	}
	rec.Timestamp, err = time.Parse(timestampLayout, strings.TrimSuffix(timestamp, " "))
	if err != nil {
		return rec, fmt.Errorf("parsing timestamp: %w", err)
	}

	lengthStr, err := tr.r.ReadString(':')
	if err != nil {
		return rec, fmt.Errorf("reading length: %w", unexpected(err))
	}
	length, err := strconv.Atoi(strings.TrimSuffix(lengthStr, ":"))
	if err != nil || length < 0 {
		return rec, fmt.Errorf("parsing length %q: invalid", lengthStr)
	}

	if b, err := tr.r.ReadByte(); err != nil {
		return rec, fmt.Errorf("reading space after colon: %w", unexpected(err))
	} else if b != ' ' {
		return rec, fmt.Errorf("expected space after colon, got %q", b)
	}

	rec.Content = make([]byte, length)
	if _, err := io.ReadFull(tr.r, rec.Content); err != nil {
		return rec, fmt.Errorf("reading content (%d bytes): %w", length, unexpected(err))
	}

	if b, err := tr.r.ReadByte(); err != nil {
		return rec, fmt.Errorf("reading record separator: %w", unexpected(err))
	} else if b != '\n' {
		return rec, fmt.Errorf("expected newline separator, got %q", b)
	}

	return rec, nil
}

// Channel emits every record and closes after the last one. A malformed
// record is emitted with Error set and ends the stream.
func (tr *Reader) Channel() <-chan Record {
	records := make(chan Record)
	go func() {
		defer close(records)
		for {
			rec, err := tr.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				rec.Error = err
				records <- rec
				return
			}
			records <- rec
		}
	}()
	return records
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Line is one recorded output line.
type Line struct {
	Text string
	Time time.Time
}

// Transcript is a fully parsed run.
type Transcript struct {
	Start     StartInfo
	StartedAt time.Time
	Lines     []Line
	Done      *DoneInfo // nil if the run failed or the transcript is truncated
	Failure   string
	EndedAt   time.Time
}

// ReadAll parses a whole transcript.
func ReadAll(r io.Reader) (*Transcript, error) {
	t := &Transcript{}
	tr := NewReader(r)
	for {
		rec, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return t, nil
		}
		if err != nil {
			return t, err
		}
		switch rec.Kind {
		case KindStart:
			if err := json.Unmarshal(rec.Content, &t.Start); err != nil {
				return t, fmt.Errorf("parsing start record: %w", err)
			}
			t.StartedAt = rec.Timestamp
		case KindLine:
			t.Lines = append(t.Lines, Line{Text: string(rec.Content), Time: rec.Timestamp})
		case KindDone:
			var info DoneInfo
			if err := json.Unmarshal(rec.Content, &info); err != nil {
				return t, fmt.Errorf("parsing done record: %w", err)
			}
			t.Done = &info
			t.EndedAt = rec.Timestamp
		case KindFailure:
			t.Failure = string(rec.Content)
			t.EndedAt = rec.Timestamp
		default:
			return t, fmt.Errorf("unknown record kind %q", rec.Kind)
		}
	}
}

// Open reads the transcript stored at path.
func Open(path string) (*Transcript, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ReadAll(f)
}
