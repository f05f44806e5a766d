package readiness

import (
	"context"
	"fmt"
	"time"

	"github.com/picklr-io/reconcilr/internal/fault"
	"github.com/picklr-io/reconcilr/internal/ir"
	"github.com/picklr-io/reconcilr/internal/logging"
)

// Check runs one check-readiness invocation and returns the updated state.
// A not-ready error means "check again"; any other error stops polling.
type Check func(ctx context.Context, state ir.State) (ir.State, error)

// Poller drives Check on the policy's schedule.
type Poller struct {
	Policy Policy

	// OnAttempt, if set, is called after every check with the state it
	// returned. Hosts use it to persist attempt counts between checks.
	OnAttempt func(state ir.State, err error)

	sleep func(ctx context.Context, d time.Duration) error
}

// NewPoller returns a poller for policy.
func NewPoller(policy Policy) *Poller {
	return &Poller{Policy: policy, sleep: sleepCtx}
}

// Wait checks until the resource is ready, a check fails with a
// non-retryable error, ctx is cancelled, or the attempt budget runs out.
func (p *Poller) Wait(ctx context.Context, state ir.State, check Check) (ir.State, error) {
	if err := p.Policy.Validate(); err != nil {
		return state, err
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	if err := sleep(ctx, p.Policy.InitialDelay); err != nil {
		return state, err
	}

	for attempt := 1; ; attempt++ {
		next, err := check(ctx, state)
		state = next
		if p.OnAttempt != nil {
			p.OnAttempt(state, err)
		}
		if err == nil {
			logging.Debug("resource ready", "id", state.ID, "attempt", attempt)
			return state, nil
		}
		if !fault.Is(err, fault.NotReady) {
			return state, err
		}
		if attempt >= p.Policy.Attempts {
			return state, fault.Terminalf(
				fmt.Errorf("readiness attempts exhausted after %d checks: %w", attempt, err),
				"wait",
			)
		}

		logging.Debug("resource not ready", "id", state.ID, "attempt", attempt, "of", p.Policy.Attempts)
		if err := sleep(ctx, p.Policy.Period); err != nil {
			return state, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("wait cancelled: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}
