// Package supervisor implements the subprocess supervisor of spec.md
// §4.3: it launches a helper binary in its own process group, waits on
// it, and can interrupt it with a grace period before escalating to
// SIGKILL.
package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/cuttlefish-cvd/cvd/cvderrors"
)

var supervisorLog = logrus.WithField("source", "supervisor")

// SetLogger overrides the package logger.
func SetLogger(logger *logrus.Entry) {
	supervisorLog = logger
}

// GracePeriod is how long Interrupt waits after SIGTERM before escalating
// to SIGKILL.
var GracePeriod = 2 * time.Second

// Spec describes a child process to launch.
type Spec struct {
	BinPath       string
	Argv          []string
	Env           []string // "KEY=VALUE" pairs, same shape as os.Environ()
	WorkingDir    string
	Stdin         io.Reader
	Stdout        io.Writer
	Stderr        io.Writer
	ProcessGroup  bool // default true when unset via NewSpec
	CaptureStderr bool // when true, stderr is also buffered for error tails
}

// NewSpec returns a Spec with ProcessGroup defaulted to true, matching
// spec.md §4.3 ("the child is spawned in its own process group").
func NewSpec(binPath string, argv []string) Spec {
	return Spec{BinPath: binPath, Argv: argv, ProcessGroup: true}
}

// Handle is a running (or completed) child process.
type Handle struct {
	cmd        *exec.Cmd
	stderrTail *bytes.Buffer
	mu         sync.Mutex
	waited     bool
}

// Supervisor owns zero or one child process at a time from the
// perspective of a single handler invocation.
type Supervisor struct{}

// New returns a ready-to-use Supervisor. Supervisor carries no state of
// its own; every Handle is independent.
func New() *Supervisor {
	return &Supervisor{}
}

// Launch starts spec.BinPath as a child process and returns its Handle.
func (s *Supervisor) Launch(spec Spec) (*Handle, error) {
	cmd := exec.Command(spec.BinPath, spec.Argv...)
	cmd.Dir = spec.WorkingDir
	cmd.Env = spec.Env
	cmd.Stdin = spec.Stdin

	var stderrTail *bytes.Buffer
	if spec.CaptureStderr {
		stderrTail = &bytes.Buffer{}
		if spec.Stderr != nil {
			cmd.Stderr = io.MultiWriter(spec.Stderr, stderrTail)
		} else {
			cmd.Stderr = stderrTail
		}
	} else {
		cmd.Stderr = spec.Stderr
	}
	cmd.Stdout = spec.Stdout

	if spec.ProcessGroup {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	supervisorLog.WithFields(logrus.Fields{"bin": spec.BinPath, "argv": spec.Argv}).Debug("launching subprocess")

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(fmt.Errorf("%w: %v", cvderrors.ErrIO, err), "starting "+spec.BinPath)
	}

	return &Handle{cmd: cmd, stderrTail: stderrTail}, nil
}

// Pid returns the child's process id.
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// ExitStatus is the outcome of waiting on a Handle.
type ExitStatus struct {
	Code       int // valid when Kind == ExitNormal
	Signal     syscall.Signal
	Kind       ExitKind
	StderrTail string
}

// ExitKind tags the variant carried by ExitStatus.
type ExitKind int

const (
	ExitNormal ExitKind = iota
	ExitSignalled
	ExitTimeout
)

// Wait blocks until the child exits or timeout elapses (zero means no
// timeout) and returns its ExitStatus.
func (h *Handle) Wait(ctx context.Context, timeout time.Duration) (ExitStatus, error) {
	h.mu.Lock()
	if h.waited {
		h.mu.Unlock()
		return ExitStatus{}, fmt.Errorf("handle for pid %d already waited on", h.Pid())
	}
	h.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- h.cmd.Wait()
	}()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case err := <-done:
		h.mu.Lock()
		h.waited = true
		h.mu.Unlock()
		return h.exitStatusFromWaitErr(err), nil
	case <-timeoutCh:
		return ExitStatus{Kind: ExitTimeout}, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

func (h *Handle) exitStatusFromWaitErr(err error) ExitStatus {
	tail := ""
	if h.stderrTail != nil {
		tail = lastLines(h.stderrTail.String(), 20)
	}

	if err == nil {
		return ExitStatus{Kind: ExitNormal, Code: 0, StderrTail: tail}
	}

	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		ws, ok := exitErr.Sys().(syscall.WaitStatus)
		if ok && ws.Signaled() {
			return ExitStatus{Kind: ExitSignalled, Signal: ws.Signal(), StderrTail: tail}
		}
		return ExitStatus{Kind: ExitNormal, Code: exitErr.ExitCode(), StderrTail: tail}
	}

	return ExitStatus{Kind: ExitNormal, Code: -1, StderrTail: tail}
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if !ok {
		return false
	}
	*target = ee
	return true
}

// Interrupt sends SIGTERM to the child's process group and, if it is
// still alive after GracePeriod, SIGKILL.
func (h *Handle) Interrupt() error {
	pgid := h.cmd.Process.Pid

	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil && err != unix.ESRCH {
		return errors.Wrapf(fmt.Errorf("%w: %v", cvderrors.ErrIO, err), "sending SIGTERM to pgid %d", pgid)
	}

	done := make(chan struct{})
	go func() {
		h.cmd.Process.Wait() //nolint:errcheck
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(GracePeriod):
	}

	if err := unix.Kill(-pgid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return fmt.Errorf("%w: sending SIGKILL to pgid %d: %v", cvderrors.ErrIO, pgid, err)
	}
	return nil
}

// RunManaged runs spec to completion, feeding stdinBytes (if non-nil) and
// capturing stdout/stderr, for helper tools that need one-shot captured
// I/O — e.g. the --helpxml discovery used by the host-artifact binary
// lookup.
func (s *Supervisor) RunManaged(ctx context.Context, spec Spec, stdinBytes []byte) (stdout, stderr string, status ExitStatus, err error) {
	var stdoutBuf, stderrBuf bytes.Buffer
	spec.Stdout = &stdoutBuf
	spec.Stderr = &stderrBuf
	if stdinBytes != nil {
		spec.Stdin = bytes.NewReader(stdinBytes)
	}

	h, err := s.Launch(spec)
	if err != nil {
		return "", "", ExitStatus{}, err
	}

	status, err = h.Wait(ctx, 0)
	if err != nil {
		return stdoutBuf.String(), stderrBuf.String(), status, err
	}

	return stdoutBuf.String(), stderrBuf.String(), status, nil
}

// CheckNormalExit maps an ExitStatus to a structured error unless it is a
// normal exit with the expected code.
func CheckNormalExit(status ExitStatus, expectedCode int) error {
	switch status.Kind {
	case ExitNormal:
		if status.Code == expectedCode {
			return nil
		}
		return fmt.Errorf("%w: exited with code %d, stderr tail: %s", cvderrors.ErrSubprocessFailed, status.Code, status.StderrTail)
	case ExitSignalled:
		return fmt.Errorf("%w: killed by signal %s, stderr tail: %s", cvderrors.ErrSubprocessFailed, status.Signal, status.StderrTail)
	case ExitTimeout:
		return fmt.Errorf("%w: timed out waiting for exit", cvderrors.ErrSubprocessFailed)
	default:
		return fmt.Errorf("%w: unknown exit kind", cvderrors.ErrSubprocessFailed)
	}
}

// lastLines returns at most n trailing lines of s, used to bound the
// stderr tail carried on a SubprocessFailed error.
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
