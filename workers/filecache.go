package workers

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// fileCache is a mutex-guarded map of open, append-mode file handles
// keyed by path, so a worker never reopens the same dated file on
// every write — grounded on the teacher's logs.Writer getOrCreateFile
// idiom, minus its ANSI-cleaning/dedup/rotation machinery (these
// outputs are already dated one-file-per-day, so there is nothing to
// rotate mid-run).
type fileCache struct {
	mu    sync.Mutex
	files map[string]*os.File
}

func newFileCache() *fileCache {
	return &fileCache{files: make(map[string]*os.File)}
}

// open returns the append-mode handle for path, creating parent
// directories and the file on first use.
func (c *fileCache) open(path string) (*os.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f, ok := c.files[path]; ok {
		return f, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	// Advisory-lock the file so a second hub process started against
	// the same data tree fails loudly instead of interleaving writes.
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: %w (already held by another process?)", path, err)
	}
	c.files[path] = f
	return f, nil
}

// size reports path's current size, used to decide whether a CSV
// header still needs writing.
func (c *fileCache) size(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

// closeAll closes every open handle, used during worker shutdown.
func (c *fileCache) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for path, f := range c.files {
		f.Close()
		delete(c.files, path)
	}
}
