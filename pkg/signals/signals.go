// Package signals implements the process-wide interrupt listener stack
// described in spec.md §4.4: a single dedicated goroutine owns the
// os/signal channel, and signal delivery never runs listener code
// directly — it only wakes the goroutine, which then invokes the
// top-of-stack listener on its own goroutine stack.
package signals

import (
	"container/list"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
)

var signalLog = logrus.WithField("source", "signals")

// SetLogger overrides the package logger.
func SetLogger(logger *logrus.Entry) {
	signalLog = logger
}

// Listener is invoked on the dedicated listener goroutine when one of
// HandledSignals arrives while it is at the top of the stack. It receives
// the delivered signal number.
type Listener func(sig syscall.Signal)

// HandledSignals are the signals the stack reacts to. SIGINT, SIGHUP, and
// SIGTERM are the cancellation signals every handler may need to react to
// (spec.md §4.4); anything else is left to the Go runtime's defaults.
var HandledSignals = []os.Signal{syscall.SIGINT, syscall.SIGHUP, syscall.SIGTERM}

// Stack is a process-wide LIFO stack of Listeners served by one dedicated
// goroutine. The zero value is not usable; construct with NewStack.
type Stack struct {
	mu        sync.Mutex
	listeners *list.List // back = top of stack
	running   chan struct{}
	sigCh     chan os.Signal
	stopCh    chan struct{}
}

// NewStack starts the dedicated listener goroutine and returns the Stack.
// Call Close to stop it; the CLI registers Close as an exit handler, and
// tests call it on cleanup.
func NewStack() *Stack {
	s := &Stack{
		listeners: list.New(),
		sigCh:     make(chan os.Signal, 4),
		stopCh:    make(chan struct{}),
	}
	signal.Notify(s.sigCh, HandledSignals...)
	go s.run()
	return s
}

func (s *Stack) run() {
	for {
		select {
		case sig := <-s.sigCh:
			s.dispatch(sig)
		case <-s.stopCh:
			signal.Stop(s.sigCh)
			return
		}
	}
}

func (s *Stack) dispatch(sig os.Signal) {
	unixSig, ok := sig.(syscall.Signal)
	if !ok {
		return
	}

	s.mu.Lock()
	back := s.listeners.Back()
	if back == nil {
		s.mu.Unlock()
		signalLog.WithField("signal", unixSig).Warn("signal received with no registered listener")
		return
	}
	top := back.Value.(Listener)
	running := make(chan struct{})
	s.running = running
	s.mu.Unlock()

	defer func() {
		close(running)
		s.mu.Lock()
		if s.running == running {
			s.running = nil
		}
		s.mu.Unlock()
	}()

	top(unixSig)
}

// Handle is returned by Push; calling Pop removes the listener from the
// stack.
type Handle struct {
	stack *Stack
	elem  *list.Element
}

// Push appends listener to the top of the stack and returns a Handle.
// Pop must be called exactly once to remove it.
func (s *Stack) Push(listener Listener) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	elem := s.listeners.PushBack(listener)
	return &Handle{stack: s, elem: elem}
}

// Pop removes the listener identified by h from the stack. If the
// listener is currently executing (it was the top entry when a signal
// arrived), Pop blocks until it returns — calling Pop from inside the
// listener that owns h is therefore a deadlock and is forbidden, exactly
// as spec.md §4.4 documents. Handlers that need to act on their own
// cancellation must call the subprocess Supervisor's Interrupt from
// inside the listener instead of popping.
func (h *Handle) Pop() {
	s := h.stack

	for {
		s.mu.Lock()
		running := s.running
		if running == nil {
			break
		}
		s.mu.Unlock()
		<-running
	}

	s.listeners.Remove(h.elem)
	s.mu.Unlock()
}

// Close stops the dedicated listener goroutine.
func (s *Stack) Close() {
	close(s.stopCh)
}
