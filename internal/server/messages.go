package server

import (
	"scriptrun/internal/monitor"
	"scriptrun/internal/runner"
)

// Message types exchanged over /ws.
const (
	TypeRun    = "run"
	TypeCancel = "cancel"

	TypeStarted = "started"
	TypeLine    = "line"
	TypeDone    = "done"
	TypeFailure = "failure"
	TypeError   = "error"
)

// Request is sent by clients.
type Request struct {
	Type   string `json:"type"`
	Script string `json:"script,omitempty"`
	Dir    string `json:"dir,omitempty"`
}

// Message is sent by the server. Which fields are set depends on Type.
type Message struct {
	Type string `json:"type"`

	Run    string `json:"run,omitempty"`
	PID    int    `json:"pid,omitempty"`
	Script string `json:"script,omitempty"`
	Dir    string `json:"dir,omitempty"`

	Seq  int    `json:"seq,omitempty"`
	Text string `json:"text"`

	ExitCode   *int   `json:"exit_code,omitempty"`
	Signal     string `json:"signal,omitempty"`
	Canceled   bool   `json:"canceled,omitempty"`
	Lines      int    `json:"lines,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`

	Message string `json:"message,omitempty"`
}

func startedMessage(run runner.Run) Message {
	return Message{Type: TypeStarted, Run: run.ID, PID: run.PID, Script: run.ScriptPath, Dir: run.WorkDir}
}

func lineMessage(runID string, ev monitor.LineEvent) Message {
	return Message{Type: TypeLine, Run: runID, Seq: ev.Seq, Text: ev.Text}
}

func doneMessage(ev monitor.DoneEvent) Message {
	code := ev.ExitCode
	return Message{
		Type:       TypeDone,
		Run:        ev.RunID,
		ExitCode:   &code,
		Signal:     ev.Signal,
		Canceled:   ev.Canceled,
		Lines:      ev.Lines,
		DurationMS: ev.Duration.Milliseconds(),
	}
}

func failureMessage(runID string, err error) Message {
	return Message{Type: TypeFailure, Run: runID, Message: err.Error()}
}

func errorMessage(err error) Message {
	return Message{Type: TypeError, Message: err.Error()}
}
