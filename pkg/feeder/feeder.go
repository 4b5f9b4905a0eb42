// Package feeder scans one index shard's window of GC instruction keys in
// batches, fanning the keys out into per-storage-node listings and
// checkpointing its position after every batch, until the window is
// exhausted.
package feeder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/TritonDataCenter/mako-gc-feeder/pkg/api"
	"github.com/TritonDataCenter/mako-gc-feeder/pkg/checkpoint"
	"github.com/TritonDataCenter/mako-gc-feeder/pkg/index"
	"github.com/TritonDataCenter/mako-gc-feeder/pkg/keyrange"
	"github.com/TritonDataCenter/mako-gc-feeder/pkg/listing"
	"github.com/go-git/go-billy/v5"
	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
	"github.com/lthibault/jitterbug"
)

type Options struct {

	// Maximum number of records requested per query. Must be at least two,
	// since every query after the first returns the start of the window
	// again, and a single record is how exhaustion is detected.
	BatchSize int

	// How long to wait between batches.
	Delay time.Duration

	// Standard deviation of the normally distributed jitter added to Delay.
	// Zero disables jitter.
	Jitter time.Duration

	// Deadline for each query, including reading every record. Queries are
	// never cancelled by Run's context, only by this.
	QueryTimeout time.Duration

	// How long to wait for the index shard to become ready during Init. Zero
	// waits until Run's context is cancelled.
	ConnectTimeout time.Duration

	// Index bucket holding the instruction records.
	Bucket string

	// Fsync listings after every batch, before the checkpoint is saved.
	Fsync bool
}

func DefaultOptions() Options {
	return Options{
		BatchSize:      10000,
		Delay:          5 * time.Second,
		QueryTimeout:   60 * time.Second,
		ConnectTimeout: 30 * time.Second,
		Bucket:         "manta",
		Fsync:          true,
	}
}

func (o Options) Validate() error {
	if o.BatchSize < 2 {
		return fmt.Errorf("batch size must be at least 2, got %d", o.BatchSize)
	}
	if o.Delay < 0 {
		return fmt.Errorf("delay must not be negative, got %s", o.Delay)
	}
	if o.Jitter < 0 {
		return fmt.Errorf("jitter must not be negative, got %s", o.Jitter)
	}
	if o.QueryTimeout <= 0 {
		return fmt.Errorf("query timeout must be positive, got %s", o.QueryTimeout)
	}
	if o.Bucket == "" {
		return fmt.Errorf("missing bucket")
	}

	return nil
}

// Deps are the collaborators of a feeder. Everything is opened during Init,
// so a feeder which fails early never touches the later ones.
type Deps struct {

	// Resolver returns the window to scan.
	Resolver keyrange.Resolver

	// OpenCheckpoint opens the checkpoint store for this shard.
	OpenCheckpoint func() (checkpoint.Store, error)

	// Dial connects to this shard's index.
	Dial func(ctx context.Context) (index.Fetcher, error)

	// Filesystem and directory which the shard's listing directory is created
	// in.
	Filesystem billy.Filesystem
	OutputDir  string

	Clock   clockwork.Clock
	Logger  hclog.Logger
	Metrics *Metrics
}

// Feeder drives a single shard through Init, Running, and Done (or Failed).
// It's not safe for concurrent use; the process runs one goroutine per
// feeder.
type Feeder struct {
	shard string
	opts  Options
	deps  Deps

	logger hclog.Logger
	state  State

	// Set during Init.
	cursor  *keyrange.Cursor
	store   checkpoint.Store
	fanout  *listing.Fanout
	fetcher index.Fetcher

	// The last key which this run wrote to its listing and checkpointed. Zero
	// until the first batch which advanced the cursor has been saved. A
	// loaded marker doesn't count, since it may be the initial one which was
	// never written.
	checkpointed api.Key

	// The error which Run will return. Set once, when the feeder enters
	// Failed, or is stopped.
	err error
}

func New(shard string, opts Options, deps Deps) (*Feeder, error) {
	if shard == "" {
		return nil, fmt.Errorf("missing shard name")
	}

	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options for shard %s: %w", shard, err)
	}

	if deps.Resolver == nil || deps.OpenCheckpoint == nil || deps.Dial == nil || deps.Filesystem == nil {
		return nil, fmt.Errorf("incomplete deps for shard %s", shard)
	}

	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = hclog.NewNullLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}

	return &Feeder{
		shard:  shard,
		opts:   opts,
		deps:   deps,
		logger: deps.Logger.Named(shard),
		state:  StateInit,
	}, nil
}

func (f *Feeder) Shard() string {
	return f.shard
}

// State returns the current state. Only meaningful once Run has returned.
func (f *Feeder) State() State {
	return f.state
}

// Files returns the listing descriptors written to so far, or nil if Init
// didn't get as far as preparing them.
func (f *Feeder) Files() []listing.File {
	if f.fanout == nil {
		return nil
	}

	return f.fanout.Files()
}

// Run scans the window until it's exhausted, a fatal error occurs, or ctx is
// cancelled. Cancellation is only observed between batches (and while
// connecting), never during one. Returns nil once the window is exhausted,
// ctx.Err() if stopped, or the fatal error.
func (f *Feeder) Run(ctx context.Context) error {
	for {
		var out outcome

		switch f.state {
		case StateInit:
			out = f.init(ctx)

		case StateRunning:
			out = f.tick(ctx)

		case StateDone, StateFailed:
			return f.drain()

		default:
			f.fail(KindMalformedState, fmt.Errorf("can't run from state %s", f.state))
			f.state = StateFailed
			continue
		}

		next, err := transition(f.state, out)
		if err != nil {
			f.fail(KindMalformedState, err)
			next = StateFailed
		}

		if next != f.state {
			f.logger.Debug("state transition", "from", f.state, "to", next, "outcome", out)
		}

		f.state = next
	}
}

// fail records err as the error to be returned by Run, unless one has already
// been recorded.
func (f *Feeder) fail(kind Kind, err error) {
	if f.err == nil {
		f.err = &Error{Kind: kind, Shard: f.shard, Err: err}
	}

	f.logger.Error("fatal error", "kind", kind, "error", err)
}

func (f *Feeder) init(ctx context.Context) outcome {
	w, err := f.deps.Resolver.Window()
	if err != nil {
		f.fail(KindInit, fmt.Errorf("error resolving window: %w", err))
		return outFatal
	}

	f.cursor, err = keyrange.NewCursor(w)
	if err != nil {
		f.fail(KindInit, fmt.Errorf("invalid window %s: %w", w, err))
		return outFatal
	}

	store, err := f.deps.OpenCheckpoint()
	if err != nil {
		f.fail(KindInit, fmt.Errorf("error opening checkpoint store: %w", err))
		return outFatal
	}
	f.store = store

	if err := f.store.EnsureSchema(); err != nil {
		f.fail(KindInit, fmt.Errorf("error ensuring checkpoint schema: %w", err))
		return outFatal
	}

	m, err := f.store.Load()
	if err != nil {
		if errors.Is(err, checkpoint.ErrMalformed) {
			f.fail(KindMalformedState, err)
		} else {
			f.fail(KindInit, fmt.Errorf("error loading checkpoint: %w", err))
		}
		return outFatal
	}

	if m != nil {
		if err := f.resume(m); err != nil {
			f.fail(KindMalformedState, err)
			return outFatal
		}
	} else {
		if err := f.store.Init(w.Start); err != nil {
			f.fail(KindInit, fmt.Errorf("error creating checkpoint: %w", err))
			return outFatal
		}
		f.logger.Info("starting from beginning of window", "window", w)
	}

	f.fanout = listing.New(f.deps.Filesystem, f.deps.Filesystem.Join(f.deps.OutputDir, f.shard), f.logger, listing.Options{
		Fsync: f.opts.Fsync,
	})

	if err := f.fanout.Prepare(); err != nil {
		f.fail(KindInit, err)
		return outFatal
	}

	dctx := ctx
	if f.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, f.opts.ConnectTimeout)
		defer cancel()
	}

	fetcher, err := f.deps.Dial(dctx)
	if err != nil {
		f.fail(KindInit, fmt.Errorf("error connecting to index: %w", err))
		return outFatal
	}
	f.fetcher = fetcher

	if err := f.fetcher.WaitReady(dctx); err != nil {
		f.fail(KindInit, fmt.Errorf("error waiting for index: %w", err))
		return outFatal
	}

	return outOK
}

// resume moves the cursor to a loaded marker. A marker past the end of the
// window can happen if storage nodes were removed since it was saved; there's
// nothing left to scan in that case, so the cursor is parked on the end. An
// empty marker resumes from the start of the window.
func (f *Feeder) resume(m *checkpoint.Marker) error {
	end := f.cursor.End()

	if m.Key == api.ZeroKey {
		f.logger.Warn("checkpoint has empty marker; starting from beginning of window", "window", f.cursor.Window())
		return nil
	}

	if m.Key > end {
		f.logger.Warn("checkpoint is past end of window; nothing to do", "marker", m.Key, "window", f.cursor.Window())
		return f.cursor.Resume(end)
	}

	if err := f.cursor.Resume(m.Key); err != nil {
		return fmt.Errorf("can't resume from checkpoint: %w", err)
	}

	f.logger.Info("resuming from checkpoint", "marker", m.Key, "saved", m.Timestamp, "window", f.cursor.Window())
	return nil
}

// tick processes one batch, then waits the poll delay unless the window was
// exhausted.
func (f *Feeder) tick(ctx context.Context) outcome {
	n, err := f.processBatch(ctx)
	if err != nil {
		if errors.Is(err, ErrCheckpoint) {
			f.deps.Metrics.Batches.WithLabelValues(f.shard, resultCheckpointError).Inc()
			f.fail(KindCheckpoint, errors.Unwrap(err))
			return outFatal
		}

		f.deps.Metrics.Batches.WithLabelValues(f.shard, resultQueryError).Inc()
		f.logger.Warn("query failed; will retry", "error", err, "start", f.cursor.Start())
		if !f.wait(ctx) {
			return outStopped
		}
		return outRetry
	}

	if n <= 1 && f.opts.BatchSize > 1 {
		f.deps.Metrics.Batches.WithLabelValues(f.shard, resultExhausted).Inc()
		f.logger.Info("window exhausted", "marker", f.cursor.Start())
		return outExhausted
	}

	f.deps.Metrics.Batches.WithLabelValues(f.shard, resultOK).Inc()

	if !f.wait(ctx) {
		return outStopped
	}

	return outOK
}

// processBatch queries from the current start of the window, writes every
// record to its listing, then makes the listings durable and saves the new
// start. Returns the number of distinct keys received. On a query error the
// cursor is rewound to where the batch began, so the batch is retried in
// full; records already written stay written.
func (f *Feeder) processBatch(ctx context.Context) (int, error) {
	from := f.cursor.Start()

	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.opts.QueryTimeout)
	defer cancel()

	stream, err := f.fetcher.FindObjects(qctx, index.FindRequest{
		Bucket:  f.opts.Bucket,
		Filter:  f.cursor.Filter(),
		Limit:   f.opts.BatchSize,
		Sort:    index.Sort{Attribute: keyrange.KeyAttribute, Order: index.Ascending},
		NoCount: true,
	})
	if err != nil {
		return 0, &Error{Kind: KindQuery, Shard: f.shard, Err: err}
	}

	m := f.deps.Metrics
	seen := map[api.Key]struct{}{}

	for {
		rec, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			f.cursor.Rewind(from)
			return len(seen), &Error{Kind: KindQuery, Shard: f.shard, Err: err}
		}

		m.RecordsSeen.WithLabelValues(f.shard).Inc()

		if _, ok := seen[rec.Key]; ok {
			m.DuplicateKeys.WithLabelValues(f.shard).Inc()
			f.logger.Warn("duplicate key in batch", "key", rec.Key)
		}
		seen[rec.Key] = struct{}{}

		// Every batch after the first starts with the key which the previous
		// batch checkpointed, since the window is inclusive. It still counts
		// towards the batch, but was already written. After a restart it's
		// written again.
		if rec.Key == f.checkpointed {
			continue
		}

		// A key without a storage id is passed through with an empty one,
		// which the fanout rejects and records.
		id, _ := rec.Key.StorageID()
		if err := f.fanout.Write(id, string(rec.Key)); err != nil {
			m.WriteErrors.WithLabelValues(f.shard).Inc()
			f.logger.Warn("listing write failed; continuing", "error", &Error{Kind: KindWrite, Shard: f.shard, Err: err})
		} else {
			m.RecordsWritten.WithLabelValues(f.shard).Inc()
		}

		if !f.cursor.Advance(rec.Key) && rec.Key > f.cursor.End() {
			f.logger.Warn("key past end of window", "key", rec.Key, "end", f.cursor.End())
		}
	}

	if n := f.fanout.Flush(); n > 0 {
		m.WriteErrors.WithLabelValues(f.shard).Add(float64(n))
	}

	if err := f.store.Save(f.cursor.Start()); err != nil {
		return len(seen), &Error{Kind: KindCheckpoint, Shard: f.shard, Err: fmt.Errorf("error saving checkpoint: %w", err)}
	}

	if start := f.cursor.Start(); start != from {
		f.checkpointed = start
	}
	m.LastCheckpoint.WithLabelValues(f.shard).Set(float64(f.deps.Clock.Now().Unix()))
	f.logger.Debug("batch complete", "records", len(seen), "marker", f.cursor.Start())

	return len(seen), nil
}

// wait sleeps for the (possibly jittered) poll delay. Returns false if ctx was
// cancelled first.
func (f *Feeder) wait(ctx context.Context) bool {
	d := f.opts.Delay
	if f.opts.Jitter > 0 {
		d = (&jitterbug.Norm{Stdev: f.opts.Jitter}).Jitter(d)
		if d < 0 {
			d = 0
		}
	}

	select {
	case <-ctx.Done():
		f.logger.Info("stopping between batches", "marker", f.cursor.Start())
		if f.err == nil {
			f.err = ctx.Err()
		}
		return false

	case <-f.deps.Clock.After(d):
		return true
	}
}

// drain closes whatever Init managed to open, and returns the recorded error.
func (f *Feeder) drain() error {
	if f.fanout != nil {
		if err := f.fanout.Close(); err != nil {
			f.logger.Error("error closing listings", "error", err)
		}

		for _, fd := range f.fanout.Files() {
			if fd.LastError != nil {
				f.logger.Warn("listing has unresolved error", "storage_id", fd.StorageID, "written", fd.Written, "error", fd.LastError)
			} else {
				f.logger.Debug("listing closed", "storage_id", fd.StorageID, "written", fd.Written)
			}
		}
	}

	if f.fetcher != nil {
		if err := f.fetcher.Close(); err != nil {
			f.logger.Warn("error closing index connection", "error", err)
		}
	}

	if f.store != nil {
		if err := f.store.Close(); err != nil {
			f.logger.Warn("error closing checkpoint store", "error", err)
		}
	}

	if f.err == nil {
		f.logger.Info("finished", "state", f.state)
	}

	return f.err
}
