package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// safDirectoryMime is the document type Android reports for directories.
const safDirectoryMime = "vnd.android.document/directory"

// Runner executes an external command, feeding it stdin and returning
// its standard output.
type Runner interface {
	Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
			}
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// TermuxStorage accesses Android Storage Access Framework documents
// through the termux-saf-* commands of the Termux:API package. Entry URIs
// are content:// document URIs.
type TermuxStorage struct {
	runner Runner
}

// NewTermuxStorage creates a TermuxStorage that runs commands with r.
func NewTermuxStorage(r Runner) *TermuxStorage {
	return &TermuxStorage{runner: r}
}

// safDocument is one element of termux-saf-ls output, or the object
// printed by termux-saf-stat.
type safDocument struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	URI          string `json:"uri"`
	Length       int64  `json:"length"`
	LastModified *int64 `json:"last_modified"`
}

func (d safDocument) entry() Entry {
	e := Entry{Name: d.Name, URI: d.URI}
	if d.Type == safDirectoryMime {
		e.Kind = Dir
	} else {
		e.Length = d.Length
	}
	if d.LastModified != nil {
		e.ModTime = time.UnixMilli(*d.LastModified)
	}
	return e
}

func (t *TermuxStorage) run(ctx context.Context, stdin []byte, cmd string, args ...string) ([]byte, error) {
	return t.runner.Run(ctx, stdin, "termux-saf-"+cmd, args...)
}

func (t *TermuxStorage) Root(ctx context.Context, uri string) (Entry, error) {
	out, err := t.run(ctx, nil, "stat", uri)
	if err != nil {
		return Entry{}, err
	}
	var doc safDocument
	if err := json.Unmarshal(out, &doc); err != nil {
		return Entry{}, fmt.Errorf("parse stat output: %w", err)
	}
	if doc.URI == "" {
		doc.URI = uri
	}
	return doc.entry(), nil
}

func (t *TermuxStorage) List(ctx context.Context, dir Entry) ([]Entry, error) {
	if err := checkKind(dir, Dir); err != nil {
		return nil, err
	}
	out, err := t.run(ctx, nil, "ls", dir.URI)
	if err != nil {
		return nil, err
	}
	var docs []safDocument
	if err := json.Unmarshal(out, &docs); err != nil {
		return nil, fmt.Errorf("parse listing: %w", err)
	}
	entries := make([]Entry, 0, len(docs))
	for _, d := range docs {
		entries = append(entries, d.entry())
	}
	return entries, nil
}

func (t *TermuxStorage) Mkdir(ctx context.Context, parent Entry, name string) (Entry, error) {
	uri, err := t.create(ctx, "mkdir", parent, name)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Name: name, URI: uri, Kind: Dir}, nil
}

func (t *TermuxStorage) Create(ctx context.Context, parent Entry, name string) (Entry, error) {
	uri, err := t.create(ctx, "create", parent, name)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Name: name, URI: uri, Kind: File}, nil
}

// create runs a command that makes a child of parent and prints its URI.
func (t *TermuxStorage) create(ctx context.Context, cmd string, parent Entry, name string) (string, error) {
	if err := checkKind(parent, Dir); err != nil {
		return "", err
	}
	out, err := t.run(ctx, nil, cmd, parent.URI, name)
	if err != nil {
		return "", err
	}
	uri := strings.TrimSpace(string(out))
	if uri == "" {
		return "", fmt.Errorf("termux-saf-%s printed no uri for %s", cmd, name)
	}
	return uri, nil
}

func (t *TermuxStorage) Read(ctx context.Context, file Entry) ([]byte, error) {
	if err := checkKind(file, File); err != nil {
		return nil, err
	}
	return t.run(ctx, nil, "read", file.URI)
}

func (t *TermuxStorage) Write(ctx context.Context, file Entry, data []byte) error {
	if err := checkKind(file, File); err != nil {
		return err
	}
	if data == nil {
		data = []byte{}
	}
	_, err := t.run(ctx, data, "write", file.URI)
	return err
}

func (t *TermuxStorage) Remove(ctx context.Context, e Entry) error {
	_, err := t.run(ctx, nil, "rm", e.URI)
	return err
}
