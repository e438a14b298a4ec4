package membership

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/hooksync/hooksync/config"
)

// File serves membership from a YAML file (see config.MembershipFile) and
// reloads it whenever it changes. If a reload fails, the previous view is kept.
type File struct {
	path    string
	cur     current
	watcher *fsnotify.Watcher
	reloads chan struct{} // signalled after every reload attempt, for tests
}

var _ Provider = (*File)(nil)

// NewFile loads path and watches it until ctx is done.
// The initial load must succeed.
func NewFile(ctx context.Context, path string) (*File, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	f := &File{path: path, reloads: make(chan struct{}, 1)}

	v, err := f.load()
	if err != nil {
		return nil, errors.Wrapf(err, "cannot load membership file %q", path)
	}
	f.cur.set(v)

	f.watcher, err = fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "cannot create file watcher")
	}
	// watch the directory so that atomic replacement by rename is noticed
	if err := f.watcher.Add(filepath.Dir(path)); err != nil {
		f.watcher.Close()
		return nil, errors.Wrapf(err, "cannot watch %q", filepath.Dir(path))
	}
	go f.watch(ctx)
	return f, nil
}

func (f *File) load() (view, error) {
	b, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	mf, err := config.ParseMembershipFile(b)
	if err != nil {
		return nil, err
	}
	return newView(mf.Clusters), nil
}

func (f *File) watch(ctx context.Context) {
	defer f.watcher.Close()
	log := getLogger(ctx).WithField("path", f.path)
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("file watcher error")
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != f.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			v, err := f.load()
			if err != nil {
				log.WithError(err).Error("cannot reload membership file, keeping previous membership")
			} else {
				f.cur.set(v)
				log.WithField("clusters", len(v)).Info("reloaded membership file")
			}
			select {
			case f.reloads <- struct{}{}:
			default:
			}
		}
	}
}

func (f *File) ExpectedServers(ctx context.Context, clusterID string) ([]string, error) {
	return f.cur.get().expectedServers(clusterID)
}

func (f *File) Clusters(ctx context.Context) ([]string, error) {
	return f.cur.get().clusters(), nil
}
