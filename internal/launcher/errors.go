package launcher

import "errors"

var (
	// ErrInvalidInput is returned when the script path or working directory
	// cannot be used. No process is created.
	ErrInvalidInput = errors.New("invalid input")

	// ErrSpawnFailure is returned when the OS refuses to create the
	// interpreter process. The OS error is wrapped alongside it.
	ErrSpawnFailure = errors.New("spawn failure")
)
