// Package readiness implements the bounded check-readiness contract: a check
// runs every Period after an InitialDelay, and a resource that is not ready
// after Attempts checks has failed to provision.
package readiness

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/picklr-io/reconcilr/internal/fault"
	"github.com/picklr-io/reconcilr/internal/ir"
)

// Policy is an adapter's readiness budget.
type Policy struct {
	InitialDelay time.Duration `json:"initialDelay" yaml:"initialDelay" validate:"gte=0"`
	Period       time.Duration `json:"period" yaml:"period" validate:"gt=0"`
	Attempts     int           `json:"attempts" yaml:"attempts" validate:"min=1"`
}

// DefaultPolicy suits resources that settle within a few minutes.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 5 * time.Second,
		Period:       10 * time.Second,
		Attempts:     30,
	}
}

var validate = validator.New()

// Validate checks the policy bounds.
func (p Policy) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fault.Configurationf("invalid readiness policy: %v", err)
	}
	return nil
}

// Budget returns the longest time the policy allows before exhaustion.
func (p Policy) Budget() time.Duration {
	if p.Attempts <= 0 {
		return p.InitialDelay
	}
	return p.InitialDelay + time.Duration(p.Attempts-1)*p.Period
}

// Merge overlays non-zero fields of o on p.
func (p Policy) Merge(o Policy) Policy {
	if o.InitialDelay > 0 {
		p.InitialDelay = o.InitialDelay
	}
	if o.Period > 0 {
		p.Period = o.Period
	}
	if o.Attempts > 0 {
		p.Attempts = o.Attempts
	}
	return p
}

// Outcome is the result of one check.
type Outcome int

const (
	Pending Outcome = iota
	Ready
	Failed
)

// String returns a string representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

// Record applies one check outcome to state's readiness bookkeeping and
// returns the error the invocation should surface: nil when ready, a
// not-ready error while budget remains, and a terminal error when the check
// failed or this was the last allowed attempt.
func (p Policy) Record(state *ir.State, outcome Outcome, status string) error {
	if state.Readiness == nil {
		state.Readiness = &ir.Readiness{}
	}
	r := state.Readiness
	r.LastStatus = status

	switch outcome {
	case Ready:
		r.Ready = true
		return nil
	case Failed:
		r.Ready = false
		r.Attempts++
		return fault.Terminalf(fmt.Errorf("resource %s entered failed status %q", state.ID, status), "check-readiness")
	}

	r.Ready = false
	r.Attempts++
	if r.Attempts >= p.Attempts {
		return fault.Terminalf(
			fmt.Errorf("readiness attempts exhausted after %d checks (last status %q)", r.Attempts, status),
			"check-readiness",
		)
	}
	return &fault.Error{
		Class:      fault.NotReady,
		Op:         "check-readiness",
		Cause:      fmt.Errorf("resource %s not ready (status %q, attempt %d of %d)", state.ID, status, r.Attempts, p.Attempts),
		RetryAfter: p.Period,
	}
}
