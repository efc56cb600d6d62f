package master

import (
	"strings"
	"sync"

	"gfs"
)

// pathEntry is the namespace's per-path metadata (§3: "Path").
type pathEntry struct {
	isDir  bool
	length int64
}

// namespaceManager is a flat string-keyed mapping; a single mutex
// protects every operation, grounded on commons/namespace_manager.py's
// one-lock-per-manager design.
type namespaceManager struct {
	mu    sync.RWMutex
	paths map[gfs.Path]*pathEntry
	log   *opLog
}

func newNamespaceManager(log *opLog) *namespaceManager {
	return &namespaceManager{
		paths: map[gfs.Path]*pathEntry{
			"/": {isDir: true},
		},
		log: log,
	}
}

// parentOf returns the longest proper prefix of path ending at a "/".
func parentOf(path gfs.Path) gfs.Path {
	s := string(path)
	idx := strings.LastIndex(strings.TrimSuffix(s, "/"), "/")
	if idx <= 0 {
		return "/"
	}
	return gfs.Path(s[:idx])
}

func (nm *namespaceManager) existsLocked(path gfs.Path) bool {
	_, ok := nm.paths[path]
	return ok
}

func (nm *namespaceManager) isDirLocked(path gfs.Path) bool {
	e, ok := nm.paths[path]
	return ok && e.isDir
}

// Create inserts a new file entry at path (§4.1 create).
func (nm *namespaceManager) Create(path gfs.Path) error {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	parent := parentOf(path)
	if !nm.existsLocked(parent) {
		return gfs.NewError(gfs.PathNotFound, string(parent))
	}
	if !nm.isDirLocked(parent) {
		return gfs.NewError(gfs.ParentIsNotDir, string(parent))
	}
	if nm.existsLocked(path) {
		return gfs.NewError(gfs.FileAlreadyExists, string(path))
	}

	if err := nm.log.Append(opCreateFile, string(path)); err != nil {
		return err
	}
	nm.paths[path] = &pathEntry{isDir: false}
	return nil
}

// CreateDir inserts a new directory entry at path (§4.1 create_dir).
func (nm *namespaceManager) CreateDir(path gfs.Path) error {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	parent := parentOf(path)
	if !nm.existsLocked(parent) {
		return gfs.NewError(gfs.PathNotFound, string(parent))
	}
	if !nm.isDirLocked(parent) {
		return gfs.NewError(gfs.ParentIsNotDir, string(parent))
	}
	if nm.existsLocked(path) {
		return gfs.NewError(gfs.DirAlreadyExists, string(path))
	}

	if err := nm.log.Append(opCreateDir, string(path)); err != nil {
		return err
	}
	nm.paths[path] = &pathEntry{isDir: true}
	return nil
}

// List returns every path whose parent is exactly path (§4.1 list).
func (nm *namespaceManager) List(path gfs.Path) ([]gfs.PathInfo, error) {
	nm.mu.RLock()
	defer nm.mu.RUnlock()

	if !nm.existsLocked(path) {
		return nil, gfs.NewError(gfs.PathNotFound, string(path))
	}
	if !nm.isDirLocked(path) {
		return nil, gfs.NewError(gfs.ParentIsNotDir, string(path))
	}

	var out []gfs.PathInfo
	for p, e := range nm.paths {
		if p == "/" {
			continue
		}
		if parentOf(p) == path {
			out = append(out, gfs.PathInfo{Path: p, IsDir: e.isDir, Length: e.length})
		}
	}
	return out, nil
}

// Delete removes path, refusing non-existent paths and non-empty
// directories (§4.1 delete). On success it returns whether path was a
// file, so the caller can route its chunks to the garbage list.
func (nm *namespaceManager) Delete(path gfs.Path) (wasFile bool, err error) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	entry, ok := nm.paths[path]
	if !ok {
		return false, gfs.NewError(gfs.PathNotFound, string(path))
	}
	if entry.isDir {
		for p := range nm.paths {
			if p != path && parentOf(p) == path {
				return false, gfs.NewError(gfs.DirIsNotEmpty, string(path))
			}
		}
	}

	if err := nm.log.Append(opDeleteFile, string(path)); err != nil {
		return false, err
	}
	delete(nm.paths, path)
	return !entry.isDir, nil
}

// GetFileLength returns the authoritative length of a file.
func (nm *namespaceManager) GetFileLength(path gfs.Path) (int64, error) {
	nm.mu.RLock()
	defer nm.mu.RUnlock()

	e, ok := nm.paths[path]
	if !ok {
		return 0, gfs.NewError(gfs.FileNotFound, string(path))
	}
	return e.length, nil
}

// GetInfo returns whether path is a directory and its length (0 for
// directories).
func (nm *namespaceManager) GetInfo(path gfs.Path) (isDir bool, length int64, err error) {
	nm.mu.RLock()
	defer nm.mu.RUnlock()

	e, ok := nm.paths[path]
	if !ok {
		return false, 0, gfs.NewError(gfs.FileNotFound, string(path))
	}
	return e.isDir, e.length, nil
}

// SetFileLength is called by the master on report_chunk; length only ever
// grows.
func (nm *namespaceManager) SetFileLength(path gfs.Path, length int64) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	e, ok := nm.paths[path]
	if !ok {
		return
	}
	if length > e.length {
		e.length = length
	}
}

// replayCreateFile/replayCreateDir/replayDeleteFile apply an operation-log
// entry without re-appending it (used only by oplog replay at startup).
func (nm *namespaceManager) replayCreateFile(path gfs.Path) {
	nm.paths[path] = &pathEntry{isDir: false}
}

func (nm *namespaceManager) replayCreateDir(path gfs.Path) {
	nm.paths[path] = &pathEntry{isDir: true}
}

func (nm *namespaceManager) replayDeleteFile(path gfs.Path) {
	delete(nm.paths, path)
}
