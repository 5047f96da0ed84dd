package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"portalflow/internal/fault"
)

// Condition reports whether the portal has caught up. An error aborts the
// wait.
type Condition func(ctx context.Context) (bool, error)

// Fence waits until a portal write is visible to later reads.
type Fence interface {
	Await(ctx context.Context, what string, cond Condition) error
}

// FixedDelay sleeps for Delay and never checks the condition.
type FixedDelay struct {
	Delay time.Duration
}

func (f FixedDelay) Await(ctx context.Context, what string, _ Condition) error {
	if f.Delay <= 0 {
		return nil
	}
	t := time.NewTimer(f.Delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poll checks the condition up to Attempts times with exponential backoff
// between Initial and Max.
type Poll struct {
	Attempts uint
	Initial  time.Duration
	Max      time.Duration
}

var errNotSettled = errors.New("not settled")

func (p Poll) Await(ctx context.Context, what string, cond Condition) error {
	attempts := p.Attempts
	if attempts == 0 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		b.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		ok, err := cond(ctx)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if !ok {
			return struct{}{}, errNotSettled
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(attempts), backoff.WithMaxElapsedTime(0))

	var perm *backoff.PermanentError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &perm):
		return perm.Unwrap()
	case errors.Is(err, errNotSettled):
		return fault.New(fault.KindConsistencyTimeout, "await", what,
			fmt.Sprintf("did not settle after %d attempts", attempts))
	}
	return err
}
