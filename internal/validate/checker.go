package validate

import (
	"context"
	"fmt"

	"ecrecv/internal/model"
)

// Checker is the format-validation collaborator.
type Checker interface {
	Name() string
	Check(ctx context.Context, path string) (model.Outcome, error)
}

// Chain runs checkers in order; the first outcome that is not valid wins.
type Chain []Checker

func (c Chain) Name() string {
	return "chain"
}

func (c Chain) Check(ctx context.Context, path string) (model.Outcome, error) {
	for _, ch := range c {
		outcome, err := ch.Check(ctx, path)
		if outcome == model.OutcomeValid {
			continue
		}
		if err == nil {
			return outcome, fmt.Errorf("%s: %s", ch.Name(), outcome)
		}
		return outcome, fmt.Errorf("%s: %w", ch.Name(), err)
	}
	return model.OutcomeValid, nil
}
