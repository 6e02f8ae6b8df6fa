package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ecrecv/internal/model"
)

// ErrConflict means the stored state no longer matches the state the writer
// expected to leave, e.g. a second daemon shares the database.
var ErrConflict = errors.New("stored state changed underneath")

const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

// Store is the durable record of every transfer. The coordinator writes
// through it on every transition and reads it back on boot.
type Store interface {
	// Save writes rec. If prev is non-empty the write only applies while the
	// stored state still equals prev; otherwise ErrConflict is returned.
	Save(ctx context.Context, rec model.FileTransfer, prev model.State) error
	Get(ctx context.Context, id model.ID) (model.FileTransfer, error)
	// List returns records in the given states, all records when none given,
	// oldest first.
	List(ctx context.Context, states ...model.State) ([]model.FileTransfer, error)
	// Purge deletes records in states last updated before cutoff. Ready
	// records that were never acknowledged are kept.
	Purge(ctx context.Context, before time.Time, states ...model.State) (int64, error)
	Close() error
}

func Open(backend, path string) (Store, error) {
	var (
		st  Store
		err error
	)
	switch backend {
	case "", BackendSQLite:
		st, err = OpenSQLite(path)
	case BackendBolt:
		st, err = OpenBolt(path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

func purgeable(rec model.FileTransfer, before time.Time, states []model.State) bool {
	if !rec.UpdatedAt.Before(before) || !hasState(states, rec.State) {
		return false
	}
	return rec.State != model.StateReady || rec.Acked
}

func hasState(states []model.State, s model.State) bool {
	if len(states) == 0 {
		return true
	}
	for _, x := range states {
		if x == s {
			return true
		}
	}
	return false
}

func truncateError(msg string) string {
	if len(msg) > 500 {
		return msg[:500]
	}
	return msg
}
