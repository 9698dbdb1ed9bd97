package creation

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/cuttlefish-cvd/cvd/cvderrors"
)

// lockDir mirrors the legacy acloud tooling's shared-resource directory
// (spec.md §5 "Shared resources"), reused here as the namespace numeric
// instance ids are reserved against.
const lockDir = "/tmp/acloud_cvd_temp"

// maxInstanceID bounds the id search; cuttlefish's own instance numbering
// never goes this high in practice.
const maxInstanceID = 1000

// AllocatedID is a numeric instance id together with the advisory lock
// that reserves it. The zero value holds no lock and Release is a no-op.
type AllocatedID struct {
	ID   int
	file *os.File
}

// Release drops the lock backing id, making the id available to the next
// command. Safe to call on the zero value or a nil receiver.
func (a *AllocatedID) Release() error {
	if a == nil || a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

// AllocateID reserves the lowest-numbered instance id not already locked
// by another cvd command, by taking a non-blocking exclusive flock on
// /tmp/acloud_cvd_temp/local-instance-<n>.lock for n = 1, 2, .... The
// returned lock must be held for the lifetime of the owning command and
// released via AllocatedID.Release; an unreleased lock is reclaimed on
// process exit by the kernel closing the fd, including on crash.
func AllocateID() (AllocatedID, error) {
	if err := os.MkdirAll(lockDir, 0755); err != nil {
		return AllocatedID{}, fmt.Errorf("%w: creating %s: %v", cvderrors.ErrIO, lockDir, err)
	}

	for n := 1; n <= maxInstanceID; n++ {
		path := filepath.Join(lockDir, fmt.Sprintf("local-instance-%d.lock", n))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return AllocatedID{}, fmt.Errorf("%w: opening %s: %v", cvderrors.ErrIO, path, err)
		}

		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			f.Close() //nolint:errcheck
			continue
		}

		return AllocatedID{ID: n, file: f}, nil
	}

	return AllocatedID{}, fmt.Errorf("%w: no free instance id under %d in %s", cvderrors.ErrSubprocessFailed, maxInstanceID, lockDir)
}
