package main

import "sync"

// exitHandler is run, in LIFO order, before the process finally exits.
// Grounded on kata's cli/exit.go stack, repurposed here so the numeric
// instance-id locks taken by create and the signal stack's listener
// goroutine are released even when a cancel listener's os.Exit path
// (launch.go, load.go) short-circuits the normal return.
type exitHandler func()

var (
	exitMu       sync.Mutex
	exitHandlers []exitHandler
)

// pushExitHandler registers fn to run during runExitHandlers, most
// recently pushed first.
func pushExitHandler(fn exitHandler) {
	exitMu.Lock()
	defer exitMu.Unlock()
	exitHandlers = append(exitHandlers, fn)
}

// runExitHandlers runs every registered handler in LIFO order. It is
// called once, from main, right before the process exits with its final
// status code.
func runExitHandlers() {
	exitMu.Lock()
	handlers := exitHandlers
	exitHandlers = nil
	exitMu.Unlock()

	for i := len(handlers) - 1; i >= 0; i-- {
		handlers[i]()
	}
}
