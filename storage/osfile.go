package storage

import (
	"fmt"
	"os"

	"github.com/entidb/entidb/entierr"
)

// openOSFile opens the on-disk data file, creating it if absent unless
// readOnly is set, after taking an exclusive advisory lock on path so a
// second process cannot open the same database concurrently.
func openOSFile(path string, readOnly bool) (StorageFile, *fileLock, error) {
	lock, err := lockFile(path)
	if err != nil {
		return nil, nil, err
	}
	flags := os.O_RDWR | os.O_CREATE
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		lock.unlock()
		return nil, nil, fmt.Errorf("storage: open %s: %w", path, entierr.ErrIO)
	}
	return f, lock, nil
}
