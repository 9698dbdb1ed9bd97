package supervisor

import (
	"bytes"
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuttlefish-cvd/cvd/cvderrors"
)

func skipIfMissing(t *testing.T, bin string) string {
	t.Helper()
	path, err := exec.LookPath(bin)
	if err != nil {
		t.Skipf("%s not found on PATH", bin)
	}
	return path
}

func TestLaunchAndWaitNormalExit(t *testing.T) {
	bin := skipIfMissing(t, "true")
	s := New()

	h, err := s.Launch(NewSpec(bin, nil))
	assert.NoError(t, err)

	status, err := h.Wait(context.Background(), 0)
	assert.NoError(t, err)
	assert.Equal(t, ExitNormal, status.Kind)
	assert.Equal(t, 0, status.Code)
}

func TestLaunchAndWaitNonZeroExit(t *testing.T) {
	bin := skipIfMissing(t, "false")
	s := New()

	h, err := s.Launch(NewSpec(bin, nil))
	assert.NoError(t, err)

	status, err := h.Wait(context.Background(), 0)
	assert.NoError(t, err)
	assert.Equal(t, ExitNormal, status.Kind)
	assert.Equal(t, 1, status.Code)
}

func TestCheckNormalExit(t *testing.T) {
	assert.NoError(t, CheckNormalExit(ExitStatus{Kind: ExitNormal, Code: 0}, 0))

	err := CheckNormalExit(ExitStatus{Kind: ExitNormal, Code: 1}, 0)
	assert.ErrorIs(t, err, cvderrors.ErrSubprocessFailed)

	err = CheckNormalExit(ExitStatus{Kind: ExitTimeout}, 0)
	assert.ErrorIs(t, err, cvderrors.ErrSubprocessFailed)
}

func TestWaitCannotBeCalledTwice(t *testing.T) {
	bin := skipIfMissing(t, "true")
	s := New()

	h, err := s.Launch(NewSpec(bin, nil))
	assert.NoError(t, err)

	_, err = h.Wait(context.Background(), 0)
	assert.NoError(t, err)

	_, err = h.Wait(context.Background(), 0)
	assert.Error(t, err)
}

func TestInterruptKillsChild(t *testing.T) {
	bin := skipIfMissing(t, "sleep")
	s := New()

	h, err := s.Launch(NewSpec(bin, []string{"30"}))
	assert.NoError(t, err)

	done := make(chan struct{})
	go func() {
		h.Wait(context.Background(), 0) //nolint:errcheck
		close(done)
	}()

	assert.NoError(t, h.Interrupt())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("child was not reaped after Interrupt")
	}
}

func TestRunManagedCapturesStdout(t *testing.T) {
	bin := skipIfMissing(t, "echo")
	s := New()

	stdout, _, status, err := s.RunManaged(context.Background(), NewSpec(bin, []string{"hello"}), nil)
	assert.NoError(t, err)
	assert.Equal(t, ExitNormal, status.Kind)
	assert.Equal(t, "hello\n", stdout)
}

func TestCaptureStderrAlsoWritesToProvidedWriter(t *testing.T) {
	bin := skipIfMissing(t, "sh")
	s := New()

	var buf bytes.Buffer
	spec := NewSpec(bin, []string{"-c", "echo oops 1>&2"})
	spec.Stderr = &buf
	spec.CaptureStderr = true

	h, err := s.Launch(spec)
	assert.NoError(t, err)

	status, err := h.Wait(context.Background(), 0)
	assert.NoError(t, err)
	assert.Contains(t, buf.String(), "oops")
	assert.Contains(t, status.StderrTail, "oops")
}
