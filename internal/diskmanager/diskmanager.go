// Package diskmanager is the WAL node's file I/O boundary: every segment
// file walbuffer writes, walreader decodes, and reclaim deletes or renames
// goes through a DiskManager, so tests can swap in mockdm's in-memory
// implementation instead of touching the filesystem.
package diskmanager

import (
	"os"
	"strings"
)

// FileHandle abstracts the random-access, append-and-fsync operations
// walbuffer's serializer goroutine performs against one open segment file.
type FileHandle interface {
	// ReadAt reads len(b) bytes from the file starting at byte offset off,
	// used by walreader to decode entries back out of a segment.
	ReadAt(b []byte, off int64) (int, error)
	// WriteAt writes len(b) bytes to the file starting at byte offset off.
	// walbuffer only ever appends at its own tracked write offset.
	WriteAt(b []byte, off int64) (int, error)
	// Close closes the file handle, rendering it unusable for I/O.
	Close() error
	// Sync commits the current contents of the file to stable storage; this
	// is the fsync boundary a FlushListener waits on.
	Sync() error
	// Stat returns the file stat
	Stat() (os.FileInfo, error)
}

type fileHandle struct {
	file *os.File
}

// NewFileHandle wraps an *os.File into a FileHandle implementation.
func NewFileHandle(file *os.File) FileHandle { return &fileHandle{file: file} }

func (fh *fileHandle) ReadAt(b []byte, off int64) (int, error) { return fh.file.ReadAt(b, off) }

func (fh *fileHandle) WriteAt(b []byte, off int64) (int, error) { return fh.file.WriteAt(b, off) }

func (fh *fileHandle) Close() error { return fh.file.Close() }

func (fh *fileHandle) Sync() error { return fh.file.Sync() }

func (fh *fileHandle) Stat() (os.FileInfo, error) { return fh.file.Stat() }

// DiskManager is the capability walbuffer, walreader, search and reclaim
// share to open, list, rename and delete segment files by path, keyed by
// the name walfile.Format produces.
type DiskManager interface {
	// Open opens a file with specified path, flags and permissions.
	// If the file is already open, returns the existing handle. walbuffer
	// opens with O_CREATE|O_RDWR for the file it's actively appending to;
	// walreader and search open with O_RDONLY to replay a sealed one.
	Open(path string, flags int, perm os.FileMode) (FileHandle, error)
	// Delete removes the named file and closes its handle if open, per
	// reclaim's deletion of segments no longer needed by any live memtable.
	Delete(path string) error
	// List returns a slice of filenames in the specified directory
	// that contain the filter string (walbuffer, search and reclaim all
	// pass ".wal"). Empty filter matches all files.
	List(dir string, filter string) ([]string, error)
	// Close closes the file handle for the file at path if it exists.
	Close(path string) error
	// Rename moves the file at oldPath to newPath, carrying over any open
	// handle to the new path. walbuffer uses this on the active segment: it
	// is opened under a placeholder name and renamed to its real,
	// content-derived name as soon as a write makes its starting
	// search_index known (or lowers it), with a last check when sealed.
	Rename(oldPath, newPath string) error
}

type diskManager struct {
	fileHandles map[string]FileHandle
}

// NewDiskManager creates a new DiskManager instance.
func NewDiskManager() DiskManager {
	return &diskManager{
		fileHandles: make(map[string]FileHandle),
	}
}

// Open opens a file with the given flags and permissions.
// It caches the file handle keyed by path.
func (dm *diskManager) Open(path string, flags int, perm os.FileMode) (FileHandle, error) {
	if handle, exists := dm.fileHandles[path]; exists {
		return handle, nil
	}
	file, err := os.OpenFile(path, flags, perm)
	if err != nil {
		return nil, err
	}
	handle := NewFileHandle(file)
	dm.fileHandles[path] = handle
	return handle, nil
}

func (dm *diskManager) Delete(path string) error {
	if handle, exists := dm.fileHandles[path]; exists {
		_ = handle.Close()
		delete(dm.fileHandles, path)
	}
	return os.Remove(path)
}

func (dm *diskManager) List(dir string, filter string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if filter == "" || strings.Contains(entry.Name(), filter) {
			files = append(files, entry.Name())
		}
	}
	return files, nil
}

func (dm *diskManager) Close(path string) error {
	handle, exists := dm.fileHandles[path]
	if !exists {
		return nil
	}
	err := handle.Close()
	if err != nil {
		return err
	}
	delete(dm.fileHandles, path)
	return nil
}

// Rename renames the file on disk and, if a handle for oldPath is still
// cached (the caller didn't Close it first), re-keys the cache entry so
// later Close/Open calls against newPath still find it.
func (dm *diskManager) Rename(oldPath, newPath string) error {
	if err := os.Rename(oldPath, newPath); err != nil {
		return err
	}
	if handle, exists := dm.fileHandles[oldPath]; exists {
		delete(dm.fileHandles, oldPath)
		dm.fileHandles[newPath] = handle
	}
	return nil
}
