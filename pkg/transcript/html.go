package transcript

import (
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/russross/blackfriday/v2"
)

// Markdown describes the transcript as a Markdown document. Output lines
// become an indented code block so no line can break out of it.
func (t *Transcript) Markdown() string {
	var b strings.Builder

	title := t.Start.Script
	if title == "" {
		title = "script run"
	}
	fmt.Fprintf(&b, "# %s\n\n", escapeMarkdown(title))
	if t.Start.RunID != "" {
		fmt.Fprintf(&b, "Run `%s`, pid %d, started %s\n\n", t.Start.RunID, t.Start.PID, t.StartedAt.Format(time.RFC3339))
	}

	if len(t.Lines) == 0 {
		b.WriteString("*No output.*\n\n")
	} else {
		for _, line := range t.Lines {
			b.WriteString("    ")
			b.WriteString(line.Text)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	switch {
	case t.Done != nil:
		status := fmt.Sprintf("exit code %d", t.Done.ExitCode)
		if t.Done.Signal != "" {
			status = "signal: " + t.Done.Signal
		}
		if t.Done.Canceled {
			status += ", canceled"
		}
		fmt.Fprintf(&b, "**Finished** (%s) after %s, %d lines.\n", status, time.Duration(t.Done.DurationMS)*time.Millisecond, t.Done.Lines)
	case t.Failure != "":
		fmt.Fprintf(&b, "**Failed:** %s\n", escapeMarkdown(t.Failure))
	default:
		b.WriteString("*Transcript ends before the run finished.*\n")
	}

	return b.String()
}

// RenderHTML converts the transcript to sanitized HTML. It uses blackfriday
// for Markdown and bluemonday for sanitization, since line content is
// arbitrary script output.
func (t *Transcript) RenderHTML() string {
	unsafeHTML := blackfriday.Run(
		[]byte(t.Markdown()),
		blackfriday.WithExtensions(blackfriday.CommonExtensions),
	)

	policy := bluemonday.UGCPolicy()
	policy.AllowAttrs("class").Matching(bluemonday.SpaceSeparatedTokens).OnElements("code", "pre")

	return string(policy.SanitizeBytes(unsafeHTML))
}

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`, "`", "\\`", "*", `\*`, "_", `\_`, "[", `\[`, "]", `\]`, "<", "&lt;", ">", "&gt;", "#", `\#`,
)

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
