package cvderrors

import (
	"errors"
	"syscall"
)

// ExitCode maps an error produced anywhere in the handler chain to a
// process exit status. The dispatcher is the only caller of this
// function; every other layer just returns errors.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	switch {
	case errors.Is(err, ErrInterrupted):
		return 128 + int(syscall.SIGINT)
	default:
		return 1
	}
}
