package liveness

import (
	"fmt"
	"strconv"
	"strings"
	"syscall"
)

// Signal represents a Unix signal that may be used to stop a run
type Signal struct {
	Number      int
	Name        string
	Description string
}

// GetAllSignals returns the POSIX signals that make sense for stopping a script
func GetAllSignals() []Signal {
	return []Signal{
		{Number: int(syscall.SIGHUP), Name: "SIGHUP", Description: "Hangup"},
		{Number: int(syscall.SIGINT), Name: "SIGINT", Description: "Interrupt"},
		{Number: int(syscall.SIGQUIT), Name: "SIGQUIT", Description: "Quit"},
		{Number: int(syscall.SIGABRT), Name: "SIGABRT", Description: "Aborted"},
		{Number: int(syscall.SIGKILL), Name: "SIGKILL", Description: "Killed (uncatchable)"},
		{Number: int(syscall.SIGUSR1), Name: "SIGUSR1", Description: "User defined signal 1"},
		{Number: int(syscall.SIGUSR2), Name: "SIGUSR2", Description: "User defined signal 2"},
		{Number: int(syscall.SIGALRM), Name: "SIGALRM", Description: "Alarm clock"},
		{Number: int(syscall.SIGTERM), Name: "SIGTERM", Description: "Terminated"},
	}
}

// ValidateSignal checks if a signal number is valid
func ValidateSignal(signum int) error {
	if signum <= 0 || signum > 31 {
		return fmt.Errorf("invalid signal number: %d", signum)
	}
	return nil
}

// ParseSignal accepts "SIGTERM", "TERM", "term" or a number such as "15".
func ParseSignal(s string) (syscall.Signal, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if err := ValidateSignal(n); err != nil {
			return 0, err
		}
		return syscall.Signal(n), nil
	}

	name := strings.ToUpper(s)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	for _, sig := range GetAllSignals() {
		if sig.Name == name {
			return syscall.Signal(sig.Number), nil
		}
	}
	return 0, fmt.Errorf("unknown signal %q", s)
}
