package persistence

import (
	"InsuranceLedger/internal/core"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var snapshotBucket = []byte("snapshots")

// BoltSnapshotStore keeps snapshots in a local bbolt file, keyed by
// big-endian sequence. It backs deployments that run without Postgres.
type BoltSnapshotStore struct {
	db     *bolt.DB
	retain int
}

// OpenBoltSnapshotStore opens (or creates) the store at path. Only the
// newest retain snapshots are kept; retain <= 0 keeps all of them.
func OpenBoltSnapshotStore(path string, retain int) (*BoltSnapshotStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bolt snapshot store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshot bucket: %w", err)
	}
	return &BoltSnapshotStore{db: db, retain: retain}, nil
}

func (s *BoltSnapshotStore) SaveSnapshot(_ context.Context, snap *core.SnapshotState) error {
	if snap.Sequence < 0 {
		return fmt.Errorf("snapshot sequence %d is negative", snap.Sequence)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(snapshotBucket)
		if err := bucket.Put(sequenceKey(snap.Sequence), data); err != nil {
			return err
		}
		if s.retain <= 0 {
			return nil
		}

		// Prune from the oldest end.
		var keys [][]byte
		err := bucket.ForEach(func(k, _ []byte) error {
			keys = append(keys, append([]byte(nil), k...))
			return nil
		})
		if err != nil {
			return err
		}
		for i := 0; i < len(keys)-s.retain; i++ {
			if err := bucket.Delete(keys[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltSnapshotStore) LoadLatestSnapshot(_ context.Context) (*core.SnapshotState, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		_, v := tx.Bucket(snapshotBucket).Cursor().Last()
		if v != nil {
			// bolt's slice is only valid during the transaction
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if err != nil || data == nil {
		return nil, err
	}

	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func (s *BoltSnapshotStore) Close() error {
	return s.db.Close()
}

func sequenceKey(seq int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(seq))
	return key
}
