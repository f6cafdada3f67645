package sync

import (
	"context"
	"errors"
	"path"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder wraps a Storage and records every call that reads content or
// changes the tree.
type recorder struct {
	Storage
	reads   []string
	writes  []string
	creates []string
	mkdirs  []string
	removes []string

	failWrite string // URI whose Write fails
}

func (r *recorder) Mkdir(ctx context.Context, parent Entry, name string) (Entry, error) {
	r.mkdirs = append(r.mkdirs, path.Join(parent.URI, name))
	return r.Storage.Mkdir(ctx, parent, name)
}

func (r *recorder) Create(ctx context.Context, parent Entry, name string) (Entry, error) {
	r.creates = append(r.creates, path.Join(parent.URI, name))
	return r.Storage.Create(ctx, parent, name)
}

func (r *recorder) Read(ctx context.Context, file Entry) ([]byte, error) {
	r.reads = append(r.reads, file.URI)
	return r.Storage.Read(ctx, file)
}

func (r *recorder) Write(ctx context.Context, file Entry, data []byte) error {
	r.writes = append(r.writes, file.URI)
	if file.URI == r.failWrite {
		return errors.New("permission revoked")
	}
	return r.Storage.Write(ctx, file, data)
}

func (r *recorder) Remove(ctx context.Context, e Entry) error {
	r.removes = append(r.removes, e.URI)
	return r.Storage.Remove(ctx, e)
}

func (r *recorder) reset() {
	r.reads, r.writes, r.creates, r.mkdirs, r.removes = nil, nil, nil, nil, nil
}

func (r *recorder) mutations() int {
	return len(r.writes) + len(r.creates) + len(r.mkdirs) + len(r.removes)
}

type fixture struct {
	fs  afero.Fs
	src *recorder
	dst *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/src", 0755))
	require.NoError(t, fs.MkdirAll("/dst", 0755))
	return &fixture{
		fs:  fs,
		src: &recorder{Storage: NewLocalStorage(fs)},
		dst: &recorder{Storage: NewLocalStorage(fs)},
	}
}

// writeFile creates name with content and sets its modification time to
// mtime seconds since the epoch.
func writeFile(t *testing.T, fs afero.Fs, name, content string, mtime int64) {
	t.Helper()
	require.NoError(t, fs.MkdirAll(path.Dir(name), 0755))
	require.NoError(t, afero.WriteFile(fs, name, []byte(content), 0644))
	ts := time.Unix(mtime, 0)
	require.NoError(t, fs.Chtimes(name, ts, ts))
}

func (f *fixture) options(t *testing.T) Options {
	t.Helper()
	ctx := context.Background()
	srcRoot, err := f.src.Root(ctx, "/src")
	require.NoError(t, err)
	dstRoot, err := f.dst.Root(ctx, "/dst")
	require.NoError(t, err)

	logger, _ := test.NewNullLogger()
	return Options{
		Src:             Location{Storage: f.src, Root: srcRoot},
		Dst:             Location{Storage: f.dst, Root: dstRoot},
		TimeGranularity: time.Second,
		Logger:          logger,
	}
}

func (f *fixture) mirror(t *testing.T) Stats {
	t.Helper()
	stats, err := Mirror(context.Background(), f.options(t))
	require.NoError(t, err)
	return stats
}

func readString(t *testing.T, fs afero.Fs, name string) string {
	t.Helper()
	data, err := afero.ReadFile(fs, name)
	require.NoError(t, err)
	return string(data)
}

func TestMirror_skipsUpToDateAndDeletesExtras(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.fs, "/src/a.txt", "hello", 100)
	writeFile(t, f.fs, "/dst/a.txt", "HELLO", 200)
	writeFile(t, f.fs, "/dst/b.txt", "abc", 100)

	stats := f.mirror(t)

	assert.Equal(t, "HELLO", readString(t, f.fs, "/dst/a.txt"), "a.txt should be left untouched")
	exists, err := afero.Exists(f.fs, "/dst/b.txt")
	require.NoError(t, err)
	assert.False(t, exists, "b.txt should have been deleted")

	assert.Empty(t, f.src.reads)
	assert.Empty(t, f.dst.writes)
	assert.Equal(t, []string{"/dst/b.txt"}, f.dst.removes)
	assert.Equal(t, Stats{Skipped: 1, Deleted: 1}, stats)
}

func TestMirror_createsNestedTree(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.fs, "/src/dir/c.txt", "0123456789", 50)

	stats := f.mirror(t)

	isDir, err := afero.IsDir(f.fs, "/dst/dir")
	require.NoError(t, err)
	assert.True(t, isDir)
	assert.Equal(t, "0123456789", readString(t, f.fs, "/dst/dir/c.txt"))

	assert.Equal(t, []string{"/dst/dir"}, f.dst.mkdirs)
	assert.Equal(t, []string{"/dst/dir/c.txt"}, f.dst.creates)
	assert.Equal(t, Stats{Created: 2, Written: 1}, stats)
}

func TestMirror_replacesFileWithDirectory(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.fs.Mkdir("/src/x", 0755))
	writeFile(t, f.fs, "/dst/x", "file", 100)

	f.mirror(t)

	isDir, err := afero.IsDir(f.fs, "/dst/x")
	require.NoError(t, err)
	assert.True(t, isDir)
	empty, err := afero.IsEmpty(f.fs, "/dst/x")
	require.NoError(t, err)
	assert.True(t, empty)
	assert.Equal(t, []string{"/dst/x"}, f.dst.removes)
	assert.Equal(t, []string{"/dst/x"}, f.dst.mkdirs)
}

func TestMirror_replacesDirectoryWithFile(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.fs, "/src/x", "file", 100)
	writeFile(t, f.fs, "/dst/x/deep/y.txt", "y", 100)

	f.mirror(t)

	assert.Equal(t, "file", readString(t, f.fs, "/dst/x"))
	exists, err := afero.Exists(f.fs, "/dst/x/deep/y.txt")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, []string{"/dst/x"}, f.dst.removes, "directory should be removed with a single call")
}

func TestMirror_overwritesStaleFiles(t *testing.T) {
	tests := []struct {
		name     string
		src, dst string
		srcTime  int64
		dstTime  int64
	}{
		{name: "older destination", src: "hello", dst: "HELLO", srcTime: 200, dstTime: 100},
		{name: "different length", src: "hello", dst: "hi", srcTime: 100, dstTime: 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			writeFile(t, f.fs, "/src/a.txt", tt.src, tt.srcTime)
			writeFile(t, f.fs, "/dst/a.txt", tt.dst, tt.dstTime)

			stats := f.mirror(t)

			assert.Equal(t, tt.src, readString(t, f.fs, "/dst/a.txt"))
			assert.Equal(t, []string{"/src/a.txt"}, f.src.reads)
			assert.Equal(t, []string{"/dst/a.txt"}, f.dst.writes)
			assert.Empty(t, f.dst.creates, "existing file should be overwritten in place")
			assert.Equal(t, Stats{Written: 1}, stats)
		})
	}
}

func TestMirror_equalTimesSkip(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.fs, "/src/a.txt", "hello", 100)
	writeFile(t, f.fs, "/dst/a.txt", "HELLO", 100)

	stats := f.mirror(t)

	assert.Empty(t, f.src.reads)
	assert.Empty(t, f.dst.writes)
	assert.Equal(t, 1, stats.Skipped)
}

func TestMirror_idempotent(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.fs, "/src/a.txt", "a", 100)
	writeFile(t, f.fs, "/src/d/b.txt", "bb", 100)
	writeFile(t, f.fs, "/src/d/e/c.txt", "ccc", 100)
	require.NoError(t, f.fs.MkdirAll("/src/empty", 0755))
	writeFile(t, f.fs, "/dst/old/z.txt", "z", 100)

	f.mirror(t)
	require.NotZero(t, f.dst.mutations())

	f.src.reset()
	f.dst.reset()
	stats := f.mirror(t)

	assert.Zero(t, f.dst.mutations(), "second run should not change the destination")
	assert.Empty(t, f.src.reads)
	assert.Equal(t, Stats{Skipped: 3}, stats)
}

func TestMirror_completeness(t *testing.T) {
	f := newFixture(t)
	files := map[string]string{
		"top.txt":       "top",
		"a/one.txt":     "1",
		"a/b/two.txt":   "22",
		"a/b/c/три.txt": "333",
	}
	for name, content := range files {
		writeFile(t, f.fs, path.Join("/src", name), content, 100)
	}
	writeFile(t, f.fs, "/dst/a/one.txt", "stale!", 300)
	writeFile(t, f.fs, "/dst/a/gone.txt", "gone", 100)

	f.mirror(t)

	for name, content := range files {
		assert.Equal(t, content, readString(t, f.fs, path.Join("/dst", name)), name)
	}
	exists, err := afero.Exists(f.fs, "/dst/a/gone.txt")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMirror_dryRunMakesNoChanges(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.fs, "/src/new/n.txt", "new", 100)
	writeFile(t, f.fs, "/src/a.txt", "hello", 200)
	writeFile(t, f.fs, "/dst/a.txt", "HELLO", 100)
	writeFile(t, f.fs, "/dst/stale.txt", "stale", 100)

	opts := f.options(t)
	opts.DryRun = true
	stats, err := Mirror(context.Background(), opts)
	require.NoError(t, err)

	assert.Zero(t, f.dst.mutations())
	assert.Empty(t, f.src.reads)
	assert.Equal(t, "HELLO", readString(t, f.fs, "/dst/a.txt"))
	assert.Equal(t, Stats{Created: 2, Written: 2, Deleted: 1}, stats)
}

func TestMirror_storageFailureAborts(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.fs, "/src/a.txt", "a", 100)
	writeFile(t, f.fs, "/src/b.txt", "b", 100)
	f.dst.failWrite = "/dst/a.txt"

	_, err := Mirror(context.Background(), f.options(t))
	require.Error(t, err)

	var serr *StorageError
	require.True(t, errors.As(err, &serr), "expected a StorageError, got %T", err)
	assert.Equal(t, "write", serr.Op)
	assert.Equal(t, "/dst/a.txt", serr.URI)
	assert.Contains(t, err.Error(), "permission revoked")
	assert.Equal(t, []string{"/dst/a.txt"}, f.dst.creates, "mirror should stop at the first failure")
}

func TestMirror_rootMustBeDirectory(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.fs, "/file.txt", "x", 100)
	opts := f.options(t)

	root, err := f.src.Root(context.Background(), "/file.txt")
	require.NoError(t, err)
	opts.Src.Root = root

	_, err = Mirror(context.Background(), opts)
	assert.ErrorIs(t, err, ErrNotDirectory)
	assert.Zero(t, f.dst.mutations())
}

func TestMirror_cancelled(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.fs, "/src/a.txt", "a", 100)
	opts := f.options(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Mirror(ctx, opts)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.dst.mutations())
}

func TestMirror_logsActions(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.fs, "/src/a.txt", "a", 100)
	writeFile(t, f.fs, "/dst/b.txt", "b", 100)

	logger, hook := test.NewNullLogger()
	opts := f.options(t)
	opts.Logger = logger
	_, err := Mirror(context.Background(), opts)
	require.NoError(t, err)

	var paths []string
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.InfoLevel {
			paths = append(paths, e.Data["path"].(string))
		}
	}
	assert.Equal(t, []string{"b.txt", "a.txt", "a.txt"}, paths)
}

func TestMirror_upToDate(t *testing.T) {
	base := time.Unix(100, 0)
	tests := []struct {
		name        string
		src, dst    Entry
		granularity time.Duration
		want        bool
	}{
		{"newer destination", Entry{Length: 5, ModTime: base}, Entry{Length: 5, ModTime: base.Add(time.Second)}, 0, true},
		{"same time", Entry{Length: 5, ModTime: base}, Entry{Length: 5, ModTime: base}, 0, true},
		{"older destination", Entry{Length: 5, ModTime: base}, Entry{Length: 5, ModTime: base.Add(-time.Second)}, 0, false},
		{"length differs", Entry{Length: 5, ModTime: base}, Entry{Length: 4, ModTime: base.Add(time.Hour)}, 0, false},
		{"sub-second older, exact", Entry{Length: 5, ModTime: base.Add(700 * time.Millisecond)}, Entry{Length: 5, ModTime: base.Add(200 * time.Millisecond)}, 0, false},
		{"sub-second older, 1s granularity", Entry{Length: 5, ModTime: base.Add(700 * time.Millisecond)}, Entry{Length: 5, ModTime: base.Add(200 * time.Millisecond)}, time.Second, true},
		{"source without mtime", Entry{Length: 5}, Entry{Length: 5, ModTime: base}, 0, false},
		{"destination without mtime", Entry{Length: 5, ModTime: base}, Entry{Length: 5}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mirror{opts: Options{TimeGranularity: tt.granularity}}
			assert.Equal(t, tt.want, m.upToDate(tt.src, tt.dst))
		})
	}
}
