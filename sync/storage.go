package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind distinguishes files from directories.
type Kind int

const (
	File Kind = iota
	Dir
	// Other marks entries that are neither, such as symlinks to
	// directories and dangling symlinks. They are never read or written.
	Other
)

func (k Kind) String() string {
	switch k {
	case Dir:
		return "dir"
	case Other:
		return "other"
	}
	return "file"
}

// Entry describes one listed item of a storage location.
type Entry struct {
	Name    string
	URI     string // backend handle, opaque to the mirror engine
	Kind    Kind
	Length  int64     // files only
	ModTime time.Time // zero when the backend did not report one
}

// Storage is the collaborator the mirror engine drives. It only offers
// whole-file reads and writes.
type Storage interface {
	// Root resolves uri to the entry it names.
	Root(ctx context.Context, uri string) (Entry, error)
	// List returns the direct children of dir.
	List(ctx context.Context, dir Entry) ([]Entry, error)
	// Mkdir creates a directory called name inside parent.
	Mkdir(ctx context.Context, parent Entry, name string) (Entry, error)
	// Create creates an empty file called name inside parent.
	Create(ctx context.Context, parent Entry, name string) (Entry, error)
	// Read returns the entire content of file.
	Read(ctx context.Context, file Entry) ([]byte, error)
	// Write replaces the entire content of file with data.
	Write(ctx context.Context, file Entry, data []byte) error
	// Remove deletes e, including all descendants of a directory.
	Remove(ctx context.Context, e Entry) error
}

// Location is a root entry together with the storage that serves it.
type Location struct {
	Storage Storage
	Root    Entry
}

var (
	// ErrNotDirectory is returned when a mirror root is not a directory.
	ErrNotDirectory = errors.New("not a directory")
	// ErrWrongKind is returned by backends asked to read or write a
	// directory, or to create entries inside a file.
	ErrWrongKind = errors.New("wrong entry kind")
)

// StorageError reports a failed call to the storage collaborator. Any
// StorageError aborts the mirror.
type StorageError struct {
	Op  string
	URI string
	Err error
}

func (e *StorageError) Error() string {
	msg := e.Err.Error()
	switch {
	case e.URI != "" && !strings.Contains(msg, e.URI):
		return fmt.Sprintf("%s %s: %s", e.Op, e.URI, msg)
	case strings.HasPrefix(msg, e.Op+" "):
		// The cause already names the operation and entry, as
		// *fs.PathError does.
		return msg
	}
	return e.Op + ": " + msg
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, e Entry, err error) error {
	return &StorageError{Op: op, URI: e.URI, Err: err}
}

func checkKind(e Entry, want Kind) error {
	if e.Kind != want {
		return fmt.Errorf("%s is a %s: %w", e.Name, e.Kind, ErrWrongKind)
	}
	return nil
}
