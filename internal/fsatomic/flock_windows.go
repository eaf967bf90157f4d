//go:build windows

package fsatomic

import (
	"errors"
	"os"
	"time"
)

// flockExclusive on Windows approximates an exclusive advisory lock using
// create-excl of the lock file. It retries for up to five seconds to create
// the lock file, then fails with "lock timeout"; the file is removed on unlock.
func flockExclusive(lockPath string) (func(), error) {
	deadline := time.Now().Add(5 * time.Second)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
		if err == nil {
			// Hold f open and remove lock file on unlock
			unlocked := false
			return func() {
				if unlocked {
					return
				}
				_ = f.Close()
				_ = os.Remove(lockPath)
				unlocked = true
			}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, errors.New("lock timeout")
		}
		time.Sleep(25 * time.Millisecond)
	}
}

// flockTryExclusive attempts a non-blocking exclusive lock. ok is false (with a
// nil error) when another holder already has the lock.
func flockTryExclusive(lockPath string) (unlock func(), ok bool, err error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	unlocked := false
	return func() {
		if unlocked {
			return
		}
		_ = f.Close()
		_ = os.Remove(lockPath)
		unlocked = true
	}, true, nil
}
