package feeder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/TritonDataCenter/mako-gc-feeder/pkg/api"
	"github.com/TritonDataCenter/mako-gc-feeder/pkg/checkpoint"
	"github.com/TritonDataCenter/mako-gc-feeder/pkg/checkpoint/bolt"
	"github.com/TritonDataCenter/mako-gc-feeder/pkg/discovery/mock"
	"github.com/TritonDataCenter/mako-gc-feeder/pkg/filter"
	"github.com/TritonDataCenter/mako-gc-feeder/pkg/index"
	"github.com/TritonDataCenter/mako-gc-feeder/pkg/keyrange"
	"github.com/TritonDataCenter/mako-gc-feeder/pkg/test/fake_index"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	shard = "2.moray.orbit.example.com"
	root  = "/poseidon/stor/manta_gc/mako"
)

func key(storageID, name string) api.Key {
	return api.Key(root + "/" + storageID + "/" + name)
}

// exampleWindow is the window for storage ids 1.stor to 3.stor.
var exampleWindow = api.Window{
	Start: root + "/1.stor",
	End:   api.Key(root + "/3.stor/" + keyrange.TopPadding),
}

type harness struct {
	idx     *fake_index.Index
	fs      billy.Filesystem
	clock   clockwork.FakeClock
	reg     *prometheus.Registry
	metrics *Metrics
	opts    Options
	deps    Deps

	// Path of the bolt checkpoint file, unless OpenCheckpoint was replaced.
	cpPath string

	dials int
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		idx:    fake_index.New(t),
		fs:     memfs.New(),
		clock:  clockwork.NewFakeClockAt(time.Date(2019, 8, 1, 12, 0, 0, 0, time.UTC)),
		reg:    prometheus.NewRegistry(),
		cpPath: filepath.Join(t.TempDir(), shard+".db"),
	}

	h.metrics = NewMetrics(h.reg)

	h.opts = DefaultOptions()
	h.opts.BatchSize = 2
	h.opts.Delay = 0

	h.deps = Deps{
		Resolver: keyrange.Static(exampleWindow),
		OpenCheckpoint: func() (checkpoint.Store, error) {
			s, err := bolt.Open(h.cpPath, shard, h.clock)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		Dial: func(ctx context.Context) (index.Fetcher, error) {
			h.dials++
			c, err := h.idx.Dial(ctx)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		Filesystem: h.fs,
		OutputDir:  "out",
		Clock:      h.clock,
		Logger:     hclog.NewNullLogger(),
		Metrics:    h.metrics,
	}

	return h
}

func (h *harness) feeder(t *testing.T) *Feeder {
	f, err := New(shard, h.opts, h.deps)
	require.NoError(t, err)
	return f
}

func (h *harness) listing(t *testing.T, storageID string) string {
	b, err := util.ReadFile(h.fs, h.fs.Join("out", shard, storageID))
	require.NoError(t, err)
	return string(b)
}

// marker reopens the bolt checkpoint and returns the persisted marker.
func (h *harness) marker(t *testing.T) *checkpoint.Marker {
	s, err := bolt.Open(h.cpPath, shard, h.clock)
	require.NoError(t, err)
	defer s.Close()

	m, err := s.Load()
	require.NoError(t, err)
	return m
}

func (h *harness) batches(result string) float64 {
	return testutil.ToFloat64(h.metrics.Batches.WithLabelValues(shard, result))
}

func TestTwoKeysThenBoundaryEcho(t *testing.T) {
	h := newHarness(t)
	a, b := key("1.stor", "A"), key("1.stor", "B")
	h.idx.Put("manta", a, b)

	f := h.feeder(t)
	require.NoError(t, f.Run(context.Background()))
	assert.Equal(t, StateDone, f.State())

	assert.Equal(t, string(a)+"\n"+string(b)+"\n", h.listing(t, "1.stor"))
	assert.Equal(t, b, h.marker(t).Key)

	reqs := h.idx.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, index.FindRequest{
		Bucket:  "manta",
		Filter:  filter.Between("_key", string(exampleWindow.Start), string(exampleWindow.End)).String(),
		Limit:   2,
		Sort:    index.Sort{Attribute: "_key", Order: index.Ascending},
		NoCount: true,
	}, reqs[0])
	assert.Equal(t, filter.Between("_key", string(b), string(exampleWindow.End)).String(), reqs[1].Filter)

	assert.Equal(t, 1.0, h.batches(resultOK))
	assert.Equal(t, 1.0, h.batches(resultExhausted))
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.RecordsSeen.WithLabelValues(shard)))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.RecordsWritten.WithLabelValues(shard)))
	assert.Equal(t, float64(h.clock.Now().Unix()), testutil.ToFloat64(h.metrics.LastCheckpoint.WithLabelValues(shard)))

	files := f.Files()
	require.Len(t, files, 1)
	assert.Equal(t, uint64(2), files[0].Written)
}

func TestMalformedMarkerFailsBeforeFetch(t *testing.T) {
	h := newHarness(t)
	h.idx.Put("manta", key("1.stor", "A"))

	_, malformed := checkpoint.Decode([]byte(`{"timestamp":"2019-08-01T00:00:00.000Z"}`))
	require.Error(t, malformed)

	store := &memStore{loadErr: malformed}
	h.deps.OpenCheckpoint = store.open

	f := h.feeder(t)
	err := f.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedState), "err=%v", err)
	assert.True(t, errors.Is(err, checkpoint.ErrMalformed), "err=%v", err)
	assert.Equal(t, StateFailed, f.State())

	assert.Equal(t, 0, h.dials)
	assert.Empty(t, h.idx.Requests())
	assert.True(t, store.closed)
	assert.Nil(t, f.Files())
}

func TestResumeFromCheckpoint(t *testing.T) {
	h := newHarness(t)

	disc := mock.New()
	disc.SetStorageIDs("1.stor")
	h.deps.Resolver = keyrange.Discovered{Disc: disc, Layout: keyrange.Layout{Root: root}}

	keys := []api.Key{key("1.stor", "A"), key("1.stor", "B"), key("1.stor", "C"), key("1.stor", "D"), key("1.stor", "E")}
	h.idx.Put("manta", keys...)

	// A previous run got as far as C.
	s, err := bolt.Open(h.cpPath, shard, h.clock)
	require.NoError(t, err)
	require.NoError(t, s.EnsureSchema())
	require.NoError(t, s.Init(keys[2]))
	require.NoError(t, s.Close())

	f := h.feeder(t)
	require.NoError(t, f.Run(context.Background()))

	// C was written by the previous run, and is written again as the
	// boundary of the first batch.
	assert.Equal(t, fmt.Sprintf("%s\n%s\n%s\n", keys[2], keys[3], keys[4]), h.listing(t, "1.stor"))
	assert.Equal(t, keys[4], h.marker(t).Key)

	reqs := h.idx.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, filter.Between("_key", string(keys[2]), root+"/1.stor/"+keyrange.TopPadding).String(), reqs[0].Filter)
}

func TestRestartBeforeFirstSaveWritesStartKey(t *testing.T) {
	h := newHarness(t)

	// An instruction key can sort exactly at the start of the window.
	first, a := exampleWindow.Start, key("1.stor", "A")
	h.idx.Put("manta", first, a)

	// A previous run created the initial checkpoint, then crashed before
	// saving a batch.
	s, err := bolt.Open(h.cpPath, shard, h.clock)
	require.NoError(t, err)
	require.NoError(t, s.EnsureSchema())
	require.NoError(t, s.Init(exampleWindow.Start))
	require.NoError(t, s.Close())

	f := h.feeder(t)
	require.NoError(t, f.Run(context.Background()))

	assert.Equal(t, fmt.Sprintf("%s\n%s\n", first, a), h.listing(t, "1.stor"))
	assert.Equal(t, a, h.marker(t).Key)
}

func TestEmptyMarkerStartsFromBeginning(t *testing.T) {
	h := newHarness(t)
	a := key("1.stor", "A")
	h.idx.Put("manta", a)

	store := &memStore{marker: &checkpoint.Marker{Key: api.ZeroKey}}
	h.deps.OpenCheckpoint = store.open

	f := h.feeder(t)
	require.NoError(t, f.Run(context.Background()))

	reqs := h.idx.Requests()
	require.NotEmpty(t, reqs)
	assert.Equal(t, filter.Between("_key", string(exampleWindow.Start), string(exampleWindow.End)).String(), reqs[0].Filter)
	assert.Equal(t, fmt.Sprintf("%s\n", a), h.listing(t, "1.stor"))
	assert.Empty(t, store.inits)
	assert.Equal(t, a, store.marker.Key)
}

// brokenFS fails every open of a single path.
type brokenFS struct {
	billy.Filesystem
	path string
}

func (fs *brokenFS) OpenFile(name string, flag int, perm os.FileMode) (billy.File, error) {
	if name == fs.path {
		return nil, errors.New("read-only file system")
	}

	return fs.Filesystem.OpenFile(name, flag, perm)
}

func TestWriteErrorDoesNotStopScan(t *testing.T) {
	h := newHarness(t)
	h.deps.Filesystem = &brokenFS{Filesystem: h.fs, path: h.fs.Join("out", shard, "2.stor")}

	logs := &bytes.Buffer{}
	h.deps.Logger = hclog.New(&hclog.LoggerOptions{Output: logs, Level: hclog.Warn})

	h.idx.Put("manta", key("1.stor", "a"), key("2.stor", "a"), key("3.stor", "a"))

	f := h.feeder(t)
	require.NoError(t, f.Run(context.Background()))
	assert.Equal(t, StateDone, f.State())

	// The checkpoint moved past the failing output.
	assert.Equal(t, key("3.stor", "a"), h.marker(t).Key)

	assert.Equal(t, fmt.Sprintf("%s\n", key("1.stor", "a")), h.listing(t, "1.stor"))
	assert.Equal(t, fmt.Sprintf("%s\n", key("3.stor", "a")), h.listing(t, "3.stor"))

	files := f.Files()
	require.Len(t, files, 3)
	assert.Equal(t, "2.stor", files[1].StorageID)
	assert.Error(t, files[1].LastError)
	assert.Equal(t, uint64(0), files[1].Written)
	assert.NoError(t, files[0].LastError)
	assert.NoError(t, files[2].LastError)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.WriteErrors.WithLabelValues(shard)))
	assert.Contains(t, logs.String(), fmt.Sprintf("shard %s: write error", shard))
}

func TestResumePastEndOfWindow(t *testing.T) {
	h := newHarness(t)
	h.idx.Put("manta", key("1.stor", "A"))

	store := &memStore{marker: &checkpoint.Marker{Key: key("9.stor", "Z")}}
	h.deps.OpenCheckpoint = store.open

	f := h.feeder(t)
	require.NoError(t, f.Run(context.Background()))

	assert.Len(t, h.idx.Requests(), 1)
	assert.Equal(t, []api.Key{exampleWindow.End}, store.saves)
	assert.Empty(t, f.Files())
}

func TestEmptyWindowTerminatesAfterOneBatch(t *testing.T) {
	h := newHarness(t)

	f := h.feeder(t)
	require.NoError(t, f.Run(context.Background()))
	assert.Equal(t, StateDone, f.State())

	assert.Len(t, h.idx.Requests(), 1)
	assert.Equal(t, exampleWindow.Start, h.marker(t).Key)
	assert.Empty(t, f.Files())
	assert.Equal(t, 1.0, h.batches(resultExhausted))
}

func TestQueryErrorIsRetried(t *testing.T) {
	h := newHarness(t)
	h.opts.BatchSize = 10

	a, b, c := key("1.stor", "A"), key("1.stor", "B"), key("1.stor", "C")
	h.idx.Put("manta", a, b, c)
	h.idx.Fail(fake_index.Failure{After: 1, Err: status.Error(codes.Unavailable, "shard is read-only")})

	f := h.feeder(t)
	require.NoError(t, f.Run(context.Background()))

	reqs := h.idx.Requests()
	require.Len(t, reqs, 3)

	// The failed batch was retried from the same start.
	assert.Equal(t, reqs[0].Filter, reqs[1].Filter)

	// A was written by the failed batch, then again by the retry.
	assert.Equal(t, fmt.Sprintf("%s\n%s\n%s\n%s\n", a, a, b, c), h.listing(t, "1.stor"))
	assert.Equal(t, c, h.marker(t).Key)

	assert.Equal(t, 1.0, h.batches(resultQueryError))
	assert.Equal(t, 1.0, h.batches(resultOK))
	assert.Equal(t, 1.0, h.batches(resultExhausted))
}

func TestCheckpointSaveFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	a, b, c := key("1.stor", "A"), key("1.stor", "B"), key("1.stor", "C")
	h.idx.Put("manta", a, b, c)

	store := &memStore{saveErr: errors.New("disk full")}
	h.deps.OpenCheckpoint = store.open

	f := h.feeder(t)
	err := f.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCheckpoint), "err=%v", err)
	assert.False(t, errors.Is(err, ErrQuery))
	assert.Equal(t, StateFailed, f.State())

	// Records are written before the checkpoint is attempted.
	assert.Equal(t, fmt.Sprintf("%s\n%s\n", a, b), h.listing(t, "1.stor"))
	assert.Len(t, h.idx.Requests(), 1)
	assert.True(t, store.closed)
	assert.Equal(t, 1.0, h.batches(resultCheckpointError))
}

func TestFanoutPartition(t *testing.T) {
	h := newHarness(t)

	h.idx.Put("manta",
		key("1.stor", "a"), key("1.stor", "b"), key("1.stor", "c"),
		key("2.stor", "a"),
		key("3.stor", "a"), key("3.stor", "b"),
		key("4.stor", "outside"),
	)

	f := h.feeder(t)
	require.NoError(t, f.Run(context.Background()))

	assert.Equal(t, fmt.Sprintf("%s\n%s\n%s\n", key("1.stor", "a"), key("1.stor", "b"), key("1.stor", "c")), h.listing(t, "1.stor"))
	assert.Equal(t, fmt.Sprintf("%s\n", key("2.stor", "a")), h.listing(t, "2.stor"))
	assert.Equal(t, fmt.Sprintf("%s\n%s\n", key("3.stor", "a"), key("3.stor", "b")), h.listing(t, "3.stor"))

	_, err := h.fs.Stat(h.fs.Join("out", shard, "4.stor"))
	assert.Error(t, err)

	assert.Equal(t, key("3.stor", "b"), h.marker(t).Key)

	ids := []string{}
	for _, fd := range f.Files() {
		ids = append(ids, fd.StorageID)
	}
	assert.Equal(t, []string{"1.stor", "2.stor", "3.stor"}, ids)
}

func TestDuplicateKeysAreTolerated(t *testing.T) {
	h := newHarness(t)
	h.opts.BatchSize = 10
	h.idx.Duplicates = true

	a, b := key("1.stor", "A"), key("1.stor", "B")
	h.idx.Put("manta", a, b)

	f := h.feeder(t)
	require.NoError(t, f.Run(context.Background()))

	assert.Equal(t, fmt.Sprintf("%s\n%s\n%s\n%s\n", a, a, b, b), h.listing(t, "1.stor"))
	assert.Equal(t, b, h.marker(t).Key)
	assert.Len(t, h.idx.Requests(), 2)

	// Two in the first batch, one in the echo.
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.DuplicateKeys.WithLabelValues(shard)))
}

func TestWaitsBetweenBatches(t *testing.T) {
	h := newHarness(t)
	h.opts.Delay = 5 * time.Second
	h.idx.Put("manta", key("1.stor", "A"), key("1.stor", "B"), key("1.stor", "C"))

	f := h.feeder(t)
	errs := make(chan error)
	go func() {
		errs <- f.Run(context.Background())
	}()

	h.clock.BlockUntil(1)
	assert.Len(t, h.idx.Requests(), 1)

	h.clock.Advance(5 * time.Second)
	h.clock.BlockUntil(1)
	assert.Len(t, h.idx.Requests(), 2)

	h.clock.Advance(5 * time.Second)
	require.NoError(t, <-errs)
	assert.Len(t, h.idx.Requests(), 3)
}

func TestStopBetweenBatches(t *testing.T) {
	h := newHarness(t)
	h.opts.Delay = time.Minute
	a, b := key("1.stor", "A"), key("1.stor", "B")
	h.idx.Put("manta", a, b, key("1.stor", "C"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := h.feeder(t)
	errs := make(chan error)
	go func() {
		errs <- f.Run(ctx)
	}()

	h.clock.BlockUntil(1)
	cancel()

	err := <-errs
	assert.True(t, errors.Is(err, context.Canceled), "err=%v", err)
	assert.Equal(t, StateDone, f.State())

	assert.Equal(t, fmt.Sprintf("%s\n%s\n", a, b), h.listing(t, "1.stor"))
	assert.Equal(t, b, h.marker(t).Key)
	assert.Len(t, h.idx.Requests(), 1)
}

func TestDialFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.deps.Dial = func(context.Context) (index.Fetcher, error) {
		return nil, errors.New("no route to host")
	}

	store := &memStore{}
	h.deps.OpenCheckpoint = store.open

	f := h.feeder(t)
	err := f.Run(context.Background())
	assert.True(t, errors.Is(err, ErrInit), "err=%v", err)
	assert.Equal(t, StateFailed, f.State())
	assert.True(t, store.closed)

	// The checkpoint was still created, and the output directory prepared.
	assert.Equal(t, []api.Key{exampleWindow.Start}, store.inits)
	_, err = h.fs.Stat(h.fs.Join("out", shard))
	assert.NoError(t, err)
}

func TestNotReadyIsFatal(t *testing.T) {
	h := newHarness(t)
	h.opts.ConnectTimeout = 50 * time.Millisecond
	h.idx.SetServing(false)

	f := h.feeder(t)
	err := f.Run(context.Background())
	assert.True(t, errors.Is(err, ErrInit), "err=%v", err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "err=%v", err)
	assert.Empty(t, h.idx.Requests())
}

func TestNewValidatesOptions(t *testing.T) {
	h := newHarness(t)

	h.opts.BatchSize = 1
	_, err := New(shard, h.opts, h.deps)
	assert.Error(t, err)

	h.opts.BatchSize = 2
	_, err = New("", h.opts, h.deps)
	assert.Error(t, err)

	d := h.deps
	d.Dial = nil
	_, err = New(shard, h.opts, d)
	assert.Error(t, err)
}

// memStore is a checkpoint.Store which can be made to fail.
type memStore struct {
	marker  *checkpoint.Marker
	loadErr error
	saveErr error

	inits  []api.Key
	saves  []api.Key
	closed bool
}

func (s *memStore) open() (checkpoint.Store, error) {
	return s, nil
}

func (s *memStore) EnsureSchema() error {
	return nil
}

func (s *memStore) Load() (*checkpoint.Marker, error) {
	return s.marker, s.loadErr
}

func (s *memStore) Init(k api.Key) error {
	s.inits = append(s.inits, k)
	s.marker = &checkpoint.Marker{Key: k}
	return nil
}

func (s *memStore) Save(k api.Key) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves = append(s.saves, k)
	s.marker = &checkpoint.Marker{Key: k}
	return nil
}

func (s *memStore) Close() error {
	s.closed = true
	return nil
}
