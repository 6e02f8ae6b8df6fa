// Package sink holds the downstream consumers a validated file is handed to.
package sink

import (
	"context"
	"fmt"
	"strings"

	"ecrecv/internal/hash"
	"ecrecv/internal/model"

	"github.com/spf13/afero"
)

// Delivery is one validated file on its way downstream. Consumers append
// where they put it to Locations; a consumer that moves the file updates Path
// so the ones after it read from the new place.
type Delivery struct {
	ID   model.ID
	Name string
	Path string
	Size int64

	Locations []string

	digest   *hash.Result
	digestOf string
}

// Digest hashes the file at the current Path once per path.
func (d *Delivery) Digest(fs afero.Fs) (hash.Result, error) {
	if d.digest != nil && d.digestOf == d.Path {
		return *d.digest, nil
	}
	h, err := hash.Compute(fs, d.Path)
	if err != nil {
		return hash.Result{}, err
	}
	d.digest, d.digestOf = &h, d.Path
	return h, nil
}

func (d *Delivery) Location() string {
	return strings.Join(d.Locations, " ")
}

// Consumer confirms receipt by returning nil. Accept must be idempotent:
// the same file may be handed over again after a restart.
type Consumer interface {
	Name() string
	Accept(ctx context.Context, d *Delivery) error
}

// Chain hands the file to each consumer in order and stops at the first
// failure.
type Chain []Consumer

func (c Chain) Name() string {
	names := make([]string, len(c))
	for i, s := range c {
		names[i] = s.Name()
	}
	return strings.Join(names, "+")
}

func (c Chain) Accept(ctx context.Context, d *Delivery) error {
	for _, s := range c {
		if err := s.Accept(ctx, d); err != nil {
			return fmt.Errorf("%s: %w", s.Name(), err)
		}
	}
	return nil
}
