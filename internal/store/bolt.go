package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketOutputs    = []byte("outputs")
	bucketController = []byte("controller")
	keyControllerSt  = []byte("state")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketOutputs, bucketController} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// outputKey is big-endian so cursor order is id order.
func outputKey(id int) []byte {
	k := make([]byte, 2)
	binary.BigEndian.PutUint16(k, uint16(id))
	return k
}

func putOutput(b *bolt.Bucket, out *Output) error {
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return b.Put(outputKey(out.ID), data)
}

func (s *BoltStore) SaveOutput(out *Output) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutputs)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketOutputs)
		}
		return putOutput(b, out)
	})
}

func (s *BoltStore) GetOutput(id int) (*Output, error) {
	var out Output
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutputs)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketOutputs)
		}
		data := b.Get(outputKey(id))
		if data == nil {
			return fmt.Errorf("output %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BoltStore) DeleteOutput(id int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutputs)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketOutputs)
		}
		return b.Delete(outputKey(id))
	})
}

func (s *BoltStore) ListOutputs() ([]*Output, error) {
	var outputs []*Output
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutputs)
		if b == nil {
			return nil // no bucket = no outputs
		}
		outputs = make([]*Output, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var out Output
			if err := json.Unmarshal(v, &out); err != nil {
				return err
			}
			outputs = append(outputs, &out)
			return nil
		})
	})
	return outputs, err
}

func (s *BoltStore) ReplaceCatalog(outputs []*Output) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutputs)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketOutputs)
		}

		friendly := make(map[int]string)
		err := b.ForEach(func(k, v []byte) error {
			var old Output
			if err := json.Unmarshal(v, &old); err != nil {
				return err
			}
			if old.FriendlyName != "" {
				friendly[old.ID] = old.FriendlyName
			}
			return nil
		})
		if err != nil {
			return err
		}

		if err := tx.DeleteBucket(bucketOutputs); err != nil {
			return err
		}
		b, err = tx.CreateBucket(bucketOutputs)
		if err != nil {
			return err
		}
		for _, out := range outputs {
			cp := *out
			if cp.FriendlyName == "" {
				cp.FriendlyName = friendly[cp.ID]
			}
			if err := putOutput(b, &cp); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) UpdateOutput(id int, fn func(out *Output) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutputs)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketOutputs)
		}
		data := b.Get(outputKey(id))
		if data == nil {
			return fmt.Errorf("output %d: %w", id, ErrNotFound)
		}
		var out Output
		if err := json.Unmarshal(data, &out); err != nil {
			return err
		}
		if err := fn(&out); err != nil {
			return err
		}
		out.ID = id
		return putOutput(b, &out)
	})
}

func (s *BoltStore) SaveControllerState(state *ControllerState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketController)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketController)
		}
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return b.Put(keyControllerSt, data)
	})
}

func (s *BoltStore) GetControllerState() (*ControllerState, error) {
	var state ControllerState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketController)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketController)
		}
		data := b.Get(keyControllerSt)
		if data == nil {
			return fmt.Errorf("controller state: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
