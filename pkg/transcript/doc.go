// Package transcript records the events of one script run so it can be
// replayed later.
//
// # Format
//
// Each record is written as
//
//	kind timestamp length: content\n
//
// where
//
//   - kind is one of start, line, done or failure.
//   - timestamp is UTC in the layout 2006-01-02T15:04:05.000000000Z.
//   - length is the byte length of content.
//   - content is exactly length bytes. For line records it is the line
//     text without its line ending. For start and done records it is a
//     JSON object, for failure records the error message.
//   - The trailing \n separates records and is always present.
//
// # Example
//
//	start 2025-01-07T12:00:00.000000000Z 57: {"run":"6f1c...","pid":4242,"script":"/tmp/hello.py"}
//	line 2025-01-07T12:00:00.010000000Z 5: hello
//	line 2025-01-07T12:00:00.020000000Z 5: world
//	done 2025-01-07T12:00:00.030000000Z 63: {"exit_code":0,"canceled":false,"lines":2,"duration_ms":30}
//
// Because the length is explicit, content may contain any byte including
// newlines.
package transcript
