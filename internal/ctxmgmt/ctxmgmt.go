// Package ctxmgmt checks that EL2 system-register state survives world
// switches made through an SMC conduit.
package ctxmgmt

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tinyrange/el2ctx/internal/el2"
	"github.com/tinyrange/el2ctx/internal/smc"
)

// Result is the verdict of one scenario.
type Result int

const (
	Success Result = iota
	Fail
	Skipped
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Fail:
		return "fail"
	case Skipped:
		return "skipped"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Kind selects what a scenario does around the SMC.
type Kind int

const (
	// Preserve saves the context, issues the SMC and checks that nothing
	// changed.
	Preserve Kind = iota
	// Probe writes every probe-able register as saved|mask before the SMC,
	// checks that the probed values survive, then restores the original
	// context.
	Probe
)

func (k Kind) String() string {
	switch k {
	case Preserve:
		return "preserve"
	case Probe:
		return "probe"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "preserve", "":
		return Preserve, nil
	case "probe":
		return Probe, nil
	default:
		return 0, fmt.Errorf("ctxmgmt: unknown scenario kind %q", s)
	}
}

// Scenario describes one world-switch check.
type Scenario struct {
	Name    string
	Kind    Kind
	FID     smc.FunctionID
	Args    [17]uint64
	Mask    uint64
	Timeout time.Duration

	// ExpectX0, when set, is the X0 the call must return for the switch to
	// count as completed. TSP services return 0; version queries do not.
	ExpectX0 *uint64
}

// Outcome is the result of running one scenario.
type Outcome struct {
	Scenario   Scenario
	Result     Result
	Mismatches []*el2.Mismatch
	Err        error
	Elapsed    time.Duration
}

func (o Outcome) String() string {
	switch {
	case o.Err != nil:
		return fmt.Sprintf("%s: %s: %v", o.Scenario.Name, o.Result, o.Err)
	case len(o.Mismatches) > 0:
		return fmt.Sprintf("%s: %s: %d registers changed", o.Scenario.Name, o.Result, len(o.Mismatches))
	default:
		return fmt.Sprintf("%s: %s", o.Scenario.Name, o.Result)
	}
}

// Report collects the outcomes of a run in order.
type Report struct {
	Outcomes []Outcome
}

func (r *Report) Count(res Result) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Result == res {
			n++
		}
	}
	return n
}

// Failed reports whether any scenario failed.
func (r *Report) Failed() bool {
	return r.Count(Fail) > 0
}

func (r *Report) String() string {
	return fmt.Sprintf("%d passed, %d failed, %d skipped",
		r.Count(Success), r.Count(Fail), r.Count(Skipped))
}

// serviceMissing reports whether the firmware refused the call.
func serviceMissing(res smc.Result) bool {
	return res.X[0] == smc.SMCUnknown
}

func (s Scenario) args() smc.Args {
	return smc.Args{FID: s.FID, X: s.Args}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
