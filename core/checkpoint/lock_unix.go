//go:build unix

package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"

	dmerrors "github.com/adalundhe/docmaker/core/errors"
)

// ErrLocked means another process holds the lock for a stamp.
var ErrLocked = errors.New("checkpoint stamp is locked")

// Lock is an advisory lock on one stamp, held by a training run for as long
// as it may write that checkpoint.
type Lock struct {
	path string
	file *os.File
}

// AcquireLock takes the lock for stamp in dir without waiting. Contention
// yields an error matching ErrLocked.
func AcquireLock(dir, stamp string) (*Lock, error) {
	const op = "checkpoint.AcquireLock"
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, dmerrors.Wrap(dmerrors.KindCheckpoint, op, "cannot create checkpoint directory", err).With("dir", dir)
	}

	path := lockPath(dir, stamp)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, dmerrors.Wrap(dmerrors.KindCheckpoint, op, "cannot open lock file", err).With("path", path)
	}

	err = syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		file.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, dmerrors.Wrap(dmerrors.KindCheckpoint, op, "another run is training this stamp", ErrLocked).With("path", path)
		}
		return nil, dmerrors.Wrap(dmerrors.KindCheckpoint, op, "cannot lock stamp", err).With("path", path)
	}

	return &Lock{path: path, file: file}, nil
}

func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil

	if err != nil {
		return err
	}
	return closeErr
}

func lockPath(dir, stamp string) string {
	return filepath.Join(dir, "."+stamp+".lock")
}
