package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// LocalStorage serves entries from an afero filesystem. Entry URIs are
// paths within that filesystem.
//
// Symlinks to files are listed as the file they point to. Symlinks to
// directories and dangling symlinks are listed as Other, so they are
// never followed.
type LocalStorage struct {
	fs afero.Fs
}

// NewLocalStorage creates a LocalStorage on top of fs.
func NewLocalStorage(fs afero.Fs) *LocalStorage {
	return &LocalStorage{fs: fs}
}

func (l *LocalStorage) entry(path string, info os.FileInfo) Entry {
	e := Entry{
		Name:    info.Name(),
		URI:     path,
		ModTime: info.ModTime(),
	}
	switch {
	case info.IsDir():
		e.Kind = Dir
	case info.Mode().IsRegular():
		e.Length = info.Size()
	default:
		e.Kind = Other
	}
	return e
}

func (l *LocalStorage) Root(_ context.Context, uri string) (Entry, error) {
	info, err := l.fs.Stat(uri)
	if err != nil {
		return Entry{}, err
	}
	return l.entry(uri, info), nil
}

func (l *LocalStorage) List(_ context.Context, dir Entry) ([]Entry, error) {
	infos, err := afero.ReadDir(l.fs, dir.URI)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		path := filepath.Join(dir.URI, info.Name())
		if info.Mode()&os.ModeSymlink != 0 {
			entries = append(entries, l.resolveLink(path, info))
			continue
		}
		entries = append(entries, l.entry(path, info))
	}
	return entries, nil
}

// resolveLink describes the symlink at path, which ReadDir reported
// with lstat information.
func (l *LocalStorage) resolveLink(path string, link os.FileInfo) Entry {
	target, err := l.fs.Stat(path)
	if err != nil || target.IsDir() {
		return Entry{Name: link.Name(), URI: path, Kind: Other, ModTime: link.ModTime()}
	}
	e := l.entry(path, target)
	e.Name = link.Name()
	return e
}

func (l *LocalStorage) Mkdir(_ context.Context, parent Entry, name string) (Entry, error) {
	if err := checkKind(parent, Dir); err != nil {
		return Entry{}, err
	}
	path := filepath.Join(parent.URI, name)
	if err := l.fs.Mkdir(path, 0755); err != nil {
		return Entry{}, err
	}
	return Entry{Name: name, URI: path, Kind: Dir}, nil
}

func (l *LocalStorage) Create(_ context.Context, parent Entry, name string) (Entry, error) {
	if err := checkKind(parent, Dir); err != nil {
		return Entry{}, err
	}
	path := filepath.Join(parent.URI, name)
	f, err := l.fs.Create(path)
	if err != nil {
		return Entry{}, err
	}
	if err := f.Close(); err != nil {
		return Entry{}, fmt.Errorf("close %s: %w", path, err)
	}
	return Entry{Name: name, URI: path, Kind: File}, nil
}

func (l *LocalStorage) Read(_ context.Context, file Entry) ([]byte, error) {
	if err := checkKind(file, File); err != nil {
		return nil, err
	}
	return afero.ReadFile(l.fs, file.URI)
}

func (l *LocalStorage) Write(_ context.Context, file Entry, data []byte) error {
	if err := checkKind(file, File); err != nil {
		return err
	}
	return afero.WriteFile(l.fs, file.URI, data, 0644)
}

func (l *LocalStorage) Remove(_ context.Context, e Entry) error {
	return l.fs.RemoveAll(e.URI)
}
