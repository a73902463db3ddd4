package migrations

import (
	"bytes"
	"io/fs"
	"sort"
	"time"
)

// memFS is a minimal read-only filesystem over rendered migration
// files, flat with no subdirectories. It exists because the embedded
// SQL is templated before golang-migrate reads it.
type memFS map[string][]byte

func (m memFS) Open(name string) (fs.File, error) {
	data, ok := m[name]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return &memFile{info: memFileInfo{name: name, size: int64(len(data))}, reader: bytes.NewReader(data)}, nil
}

func (m memFS) ReadDir(name string) ([]fs.DirEntry, error) {
	if name != "." {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrNotExist}
	}
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	entries := make([]fs.DirEntry, 0, len(names))
	for _, n := range names {
		entries = append(entries, memFileInfo{name: n, size: int64(len(m[n]))})
	}
	return entries, nil
}

func (m memFS) ReadFile(name string) ([]byte, error) {
	data, ok := m[name]
	if !ok {
		return nil, &fs.PathError{Op: "readfile", Path: name, Err: fs.ErrNotExist}
	}
	return append([]byte(nil), data...), nil
}

type memFile struct {
	info   memFileInfo
	reader *bytes.Reader
}

func (f *memFile) Stat() (fs.FileInfo, error) { return f.info, nil }
func (f *memFile) Read(p []byte) (int, error) { return f.reader.Read(p) }
func (f *memFile) Close() error               { return nil }

// memFileInfo serves as both fs.FileInfo and fs.DirEntry.
type memFileInfo struct {
	name string
	size int64
}

func (i memFileInfo) Name() string               { return i.name }
func (i memFileInfo) Size() int64                { return i.size }
func (i memFileInfo) Mode() fs.FileMode          { return 0o444 }
func (i memFileInfo) Type() fs.FileMode          { return 0 }
func (i memFileInfo) ModTime() time.Time         { return time.Time{} }
func (i memFileInfo) IsDir() bool                { return false }
func (i memFileInfo) Sys() interface{}           { return nil }
func (i memFileInfo) Info() (fs.FileInfo, error) { return i, nil }
