// Package listing writes instruction keys into one append-only file per
// storage id, so each storage node can be handed exactly its own work.
package listing

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidStorageID is recorded when a key yields a storage id which can't
// safely be used as a filename.
var ErrInvalidStorageID = errors.New("invalid storage id")

// invalidID is the descriptor under which writes with an invalid storage id
// are recorded. It can't collide with a real id, since those contain no
// slashes.
const invalidID = "/invalid"

type Options struct {

	// Fsync outputs during Flush. Only does anything on filesystems whose
	// files support it (i.e. osfs).
	Fsync bool
}

// File describes one output. The handle is owned by the Fanout and not
// exposed.
type File struct {
	StorageID string
	Path      string

	// Written is the number of keys successfully appended during this run.
	Written uint64

	// LastError is the most recent open, write, or sync error, or nil if the
	// most recent operation succeeded.
	LastError error

	handle billy.File
}

// Fanout routes keys to the output for their storage id. Not safe for
// concurrent use; each feeder owns one.
type Fanout struct {
	fs     billy.Filesystem
	dir    string
	logger hclog.Logger
	opts   Options
	files  map[string]*File
}

func New(fs billy.Filesystem, dir string, logger hclog.Logger, opts Options) *Fanout {
	return &Fanout{
		fs:     fs,
		dir:    dir,
		logger: logger,
		opts:   opts,
		files:  map[string]*File{},
	}
}

// Dir returns the directory which outputs are written to.
func (f *Fanout) Dir() string {
	return f.dir
}

// Prepare creates the output directory, if it doesn't already exist.
func (f *Fanout) Prepare() error {
	if err := f.fs.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("error creating output directory %s: %w", f.dir, err)
	}

	return nil
}

// Write appends key to the output for storageID, opening it first if this is
// the first key for that id. Errors are recorded on the output and returned,
// and the write is attempted again (including the open) next time.
func (f *Fanout) Write(storageID, key string) error {
	if storageID == "" || strings.ContainsAny(storageID, "/\\") || storageID == "." || storageID == ".." {
		err := fmt.Errorf("%w: %q (key=%s)", ErrInvalidStorageID, storageID, key)
		fd := f.file(invalidID)
		fd.LastError = err
		f.logger.Warn("skipping key with invalid storage id", "storage_id", storageID, "key", key)
		return err
	}

	fd := f.file(storageID)

	if fd.handle == nil {
		h, err := f.fs.OpenFile(fd.Path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			fd.LastError = fmt.Errorf("error opening %s: %w", fd.Path, err)
			f.logger.Error("error opening listing", "path", fd.Path, "error", err)
			return fd.LastError
		}

		fd.handle = h
	}

	if _, err := fd.handle.Write([]byte(key + "\n")); err != nil {
		fd.LastError = fmt.Errorf("error writing to %s: %w", fd.Path, err)
		f.logger.Error("error writing listing", "path", fd.Path, "key", key, "error", err)
		return fd.LastError
	}

	fd.LastError = nil
	fd.Written++
	return nil
}

func (f *Fanout) file(storageID string) *File {
	fd, ok := f.files[storageID]
	if !ok {
		fd = &File{
			StorageID: storageID,
			Path:      f.fs.Join(f.dir, storageID),
		}
		f.files[storageID] = fd
	}

	return fd
}

type syncer interface {
	Sync() error
}

// Flush makes every open output durable, if Fsync is enabled. Errors are
// recorded on the outputs, and the number of failures is returned.
func (f *Fanout) Flush() int {
	if !f.opts.Fsync {
		return 0
	}

	n := 0
	for _, fd := range f.files {
		if fd.handle == nil {
			continue
		}

		s, ok := fd.handle.(syncer)
		if !ok {
			continue
		}

		if err := s.Sync(); err != nil {
			fd.LastError = fmt.Errorf("error syncing %s: %w", fd.Path, err)
			f.logger.Error("error syncing listing", "path", fd.Path, "error", err)
			n++
		}
	}

	return n
}

// Close closes every open output concurrently, and waits for them all. The
// first error is returned, but every output is closed regardless.
func (f *Fanout) Close() error {
	g := errgroup.Group{}

	for _, fd := range f.files {
		if fd.handle == nil {
			continue
		}

		fd := fd
		g.Go(func() error {
			err := fd.handle.Close()
			fd.handle = nil
			if err != nil {
				err = fmt.Errorf("error closing %s: %w", fd.Path, err)
				fd.LastError = err
			}
			return err
		})
	}

	return g.Wait()
}

// Files returns a copy of every output descriptor (including the one for
// invalid ids, if any were seen), ordered by storage id.
func (f *Fanout) Files() []File {
	res := make([]File, 0, len(f.files))
	for _, fd := range f.files {
		c := *fd
		c.handle = nil
		res = append(res, c)
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].StorageID < res[j].StorageID
	})

	return res
}
