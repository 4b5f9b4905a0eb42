// Package bolt stores checkpoints in a local BoltDB file. Each shard should
// use its own file, which bbolt locks for the lifetime of the Store, so two
// feeders can't accidentally share a position.
package bolt

import (
	"fmt"
	"time"

	"github.com/TritonDataCenter/mako-gc-feeder/pkg/api"
	"github.com/TritonDataCenter/mako-gc-feeder/pkg/checkpoint"
	"github.com/jonboulle/clockwork"
	"go.etcd.io/bbolt"
)

var (
	// one key per shard, holding the encoded marker.
	bucketStreamPosition = []byte("stream_position")
)

// OpenTimeout is how long Open waits for the file lock.
const OpenTimeout = 1 * time.Second

type Store struct {
	db    *bbolt.DB
	path  string
	key   []byte
	clock clockwork.Clock
}

var _ checkpoint.Store = (*Store)(nil)

// Open opens (creating if necessary) the BoltDB file at path, to store the
// position of the given shard.
func Open(path, shard string, clock clockwork.Clock) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("open boltdb %s: %w", path, err)
	}

	return &Store{
		db:    db,
		path:  path,
		key:   []byte(shard),
		clock: clock,
	}, nil
}

func (s *Store) EnsureSchema() error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketStreamPosition)
		return err
	})
	if err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}

	return nil
}

func (s *Store) Load() (*checkpoint.Marker, error) {
	var m *checkpoint.Marker

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketStreamPosition)
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucketStreamPosition)
		}

		data := b.Get(s.key)
		if data == nil {
			return nil
		}

		var err error
		m, err = checkpoint.Decode(data)
		return err
	})

	return m, err
}

func (s *Store) Init(key api.Key) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketStreamPosition)
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucketStreamPosition)
		}

		if existing := b.Get(s.key); existing != nil {
			return fmt.Errorf("checkpoint for %s already exists", s.key)
		}

		return s.put(b, key)
	})
}

func (s *Store) Save(key api.Key) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketStreamPosition)
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucketStreamPosition)
		}

		return s.put(b, key)
	})
}

func (s *Store) put(b *bbolt.Bucket, key api.Key) error {
	v, err := checkpoint.Encode(checkpoint.Marker{
		Timestamp: s.clock.Now(),
		Key:       key,
	})
	if err != nil {
		return err
	}

	return b.Put(s.key, v)
}

func (s *Store) Close() error {
	return s.db.Close()
}
