package retry

import (
	"fmt"
	"math"
	"time"

	"ecrecv/internal/model"
)

// Policy bounds how often and how fast a failing file is tried again.
// MaxAttempts <= 0 means unlimited.
type Policy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   30 * time.Second,
		MaxDelay:    10 * time.Minute,
		Multiplier:  2,
	}
}

func (p Policy) Validate() error {
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("negative backoff delay")
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("max delay %s below base delay %s", p.MaxDelay, p.BaseDelay)
	}
	if p.Multiplier != 0 && p.Multiplier < 1 {
		return fmt.Errorf("multiplier %.2f below 1", p.Multiplier)
	}
	return nil
}

// Delay returns the exponential backoff after the given attempt number
// (1-based), capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult == 0 {
		mult = 2
	}

	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Exhausted reports whether attempts has used up the budget.
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// Retryable reports whether a failure of this kind may succeed later.
func Retryable(kind model.ErrorKind) bool {
	return kind != model.KindUnsupported
}
