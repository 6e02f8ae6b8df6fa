package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"ecrecv/internal/model"

	"github.com/boltdb/bolt"
)

var transfersBucket = []byte("transfers")

// Bolt keeps one JSON document per transfer in a single bucket.
type Bolt struct {
	db *bolt.DB
}

func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(transfersBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}
	return &Bolt{db: db}, nil
}

func (s *Bolt) Save(_ context.Context, rec model.FileTransfer, prev model.State) error {
	rec.LastError = truncateError(rec.LastError)
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(transfersBucket)
		key := []byte(rec.ID)

		if prev != "" {
			cur, ok, err := decode(b.Get(key))
			if err != nil {
				return err
			}
			if !ok || cur.State != prev {
				return fmt.Errorf("save %s %s -> %s: %w", rec.ID, prev, rec.State, ErrConflict)
			}
		}
		return b.Put(key, data)
	})
}

func (s *Bolt) Get(_ context.Context, id model.ID) (model.FileTransfer, error) {
	var (
		rec model.FileTransfer
		ok  bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, ok, err = decode(tx.Bucket(transfersBucket).Get([]byte(id)))
		return err
	})
	if err != nil {
		return model.FileTransfer{}, err
	}
	if !ok {
		return model.FileTransfer{}, fmt.Errorf("%s: %w", id, model.ErrNotFound)
	}
	return rec, nil
}

func (s *Bolt) List(_ context.Context, states ...model.State) ([]model.FileTransfer, error) {
	var out []model.FileTransfer
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(transfersBucket).ForEach(func(_, v []byte) error {
			rec, _, err := decode(v)
			if err != nil {
				return err
			}
			if hasState(states, rec.State) {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Bolt) Purge(_ context.Context, before time.Time, states ...model.State) (int64, error) {
	var n int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(transfersBucket)

		var doomed [][]byte
		err := b.ForEach(func(k, v []byte) error {
			rec, _, err := decode(v)
			if err != nil {
				return err
			}
			if purgeable(rec, before, states) {
				doomed = append(doomed, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func (s *Bolt) Close() error {
	return s.db.Close()
}

func decode(v []byte) (model.FileTransfer, bool, error) {
	var rec model.FileTransfer
	if v == nil {
		return rec, false, nil
	}
	if err := json.Unmarshal(v, &rec); err != nil {
		return rec, false, fmt.Errorf("decode transfer: %w", err)
	}
	return rec, true, nil
}
