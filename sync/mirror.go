package sync

import (
	"context"
	"fmt"
	"maps"
	"path"
	"slices"
	"time"

	"github.com/sirupsen/logrus"
)

// Options configures a mirror run.
type Options struct {
	Src    Location
	Dst    Location
	DryRun bool // if true, log actions without making changes

	// TimeGranularity truncates modification times before they are
	// compared. Zero compares them exactly.
	TimeGranularity time.Duration

	Logger logrus.FieldLogger
}

// Stats counts the actions taken by a mirror run.
type Stats struct {
	Created int // directories and files created
	Written int // files whose content was written
	Skipped int // files left alone because they were up to date
	Deleted int // destination entries removed
}

// Mirror makes the tree under opts.Dst.Root identical to the tree under
// opts.Src.Root. Destination entries missing from the source are deleted
// and files are overwritten unless they have the same length and are at
// least as new as the source. The first storage failure aborts the run.
func Mirror(ctx context.Context, opts Options) (Stats, error) {
	m := &mirror{opts: opts, log: opts.Logger}
	if m.log == nil {
		m.log = logrus.StandardLogger()
	}
	if err := validateRoot("source", opts.Src); err != nil {
		return m.stats, err
	}
	if err := validateRoot("destination", opts.Dst); err != nil {
		return m.stats, err
	}
	err := m.dir(ctx, "", opts.Src.Root, opts.Dst.Root, true)
	return m.stats, err
}

func validateRoot(side string, loc Location) error {
	if loc.Storage == nil {
		return fmt.Errorf("%s: no storage", side)
	}
	if loc.Root.Kind != Dir {
		return fmt.Errorf("%s %q: %w", side, loc.Root.URI, ErrNotDirectory)
	}
	return nil
}

type mirror struct {
	opts  Options
	log   logrus.FieldLogger
	stats Stats
}

// dir mirrors the children of src into dst. dstExists is false only in
// dry-run mode for directories that would have been created.
func (m *mirror) dir(ctx context.Context, rel string, src, dst Entry, dstExists bool) error {
	m.log.WithField("path", displayPath(rel)).Debug("syncing directory")

	srcEntries, err := m.opts.Src.Storage.List(ctx, src)
	if err != nil {
		return storageErr("list", src, err)
	}
	var dstEntries []Entry
	if dstExists {
		if dstEntries, err = m.opts.Dst.Storage.List(ctx, dst); err != nil {
			return storageErr("list", dst, err)
		}
	}
	srcByName := make(map[string]Entry, len(srcEntries))
	for _, e := range srcEntries {
		log := m.log.WithField("path", path.Join(rel, e.Name))
		if e.Kind == Other {
			log.Warn("not a regular file or directory; skipping")
			continue
		}
		if _, dup := srcByName[e.Name]; dup {
			log.Warn("name listed more than once; mirroring the last entry")
		}
		srcByName[e.Name] = e
	}
	dstByName := make(map[string][]Entry, len(dstEntries))
	for _, e := range dstEntries {
		dstByName[e.Name] = append(dstByName[e.Name], e)
	}

	// A destination name may be listed more than once, e.g. an S3 object
	// "x" next to the prefix "x/". Only one entry of the source's kind
	// survives.
	dstMatch := make(map[string]Entry, len(dstByName))
	for _, name := range slices.Sorted(maps.Keys(dstByName)) {
		s, inSrc := srcByName[name]
		for _, d := range dstByName[name] {
			if _, matched := dstMatch[name]; inSrc && d.Kind == s.Kind && !matched {
				dstMatch[name] = d
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			log := m.log.WithField("path", path.Join(rel, name))
			switch {
			case !inSrc:
				log.Info("not in source; deleting")
			case d.Kind != s.Kind:
				log.Infof("source is a %s but destination is a %s; replacing", s.Kind, d.Kind)
			default:
				log.Info("duplicate destination entry; deleting")
			}
			if err := m.remove(ctx, d); err != nil {
				return err
			}
		}
	}

	for _, name := range slices.Sorted(maps.Keys(srcByName)) {
		if err := ctx.Err(); err != nil {
			return err
		}
		s := srcByName[name]
		d, ok := dstMatch[name]
		childRel := path.Join(rel, name)

		if s.Kind == Dir {
			if !ok {
				if d, err = m.mkdir(ctx, childRel, dst, name); err != nil {
					return err
				}
			}
			if err := m.dir(ctx, childRel, s, d, ok || !m.opts.DryRun); err != nil {
				return err
			}
			continue
		}

		if ok && m.upToDate(s, d) {
			m.log.WithField("path", childRel).Debug("same size and at least as new; skipping")
			m.stats.Skipped++
			continue
		}
		if err := m.copyFile(ctx, childRel, s, dst, d, ok); err != nil {
			return err
		}
	}
	return nil
}

// upToDate reports whether dst can be assumed to hold src's content.
func (m *mirror) upToDate(src, dst Entry) bool {
	if src.ModTime.IsZero() || dst.ModTime.IsZero() || src.Length != dst.Length {
		return false
	}
	g := m.opts.TimeGranularity
	return !dst.ModTime.Truncate(g).Before(src.ModTime.Truncate(g))
}

func (m *mirror) copyFile(ctx context.Context, rel string, src, parent, dst Entry, exists bool) error {
	log := m.log.WithFields(logrus.Fields{"path": rel, "size": src.Length})
	if !exists {
		log.Info("creating file")
		m.stats.Created++
		if !m.opts.DryRun {
			var err error
			if dst, err = m.opts.Dst.Storage.Create(ctx, parent, src.Name); err != nil {
				return storageErr("create", parent, err)
			}
		}
	}
	log.Info("writing content")
	m.stats.Written++
	if m.opts.DryRun {
		return nil
	}

	data, err := m.opts.Src.Storage.Read(ctx, src)
	if err != nil {
		return storageErr("read", src, err)
	}
	if err := m.opts.Dst.Storage.Write(ctx, dst, data); err != nil {
		return storageErr("write", dst, err)
	}
	return nil
}

func (m *mirror) mkdir(ctx context.Context, rel string, parent Entry, name string) (Entry, error) {
	m.log.WithField("path", rel).Info("making directory")
	m.stats.Created++
	if m.opts.DryRun {
		return Entry{Name: name, Kind: Dir}, nil
	}
	d, err := m.opts.Dst.Storage.Mkdir(ctx, parent, name)
	if err != nil {
		return Entry{}, storageErr("mkdir", parent, err)
	}
	return d, nil
}

func (m *mirror) remove(ctx context.Context, e Entry) error {
	m.stats.Deleted++
	if m.opts.DryRun {
		return nil
	}
	if err := m.opts.Dst.Storage.Remove(ctx, e); err != nil {
		return storageErr("remove", e, err)
	}
	return nil
}

func displayPath(rel string) string {
	if rel == "" {
		return "."
	}
	return rel
}
