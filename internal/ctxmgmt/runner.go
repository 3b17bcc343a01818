package ctxmgmt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/multierr"

	"github.com/tinyrange/el2ctx/internal/el2"
	"github.com/tinyrange/el2ctx/internal/smc"
	"github.com/tinyrange/el2ctx/internal/sysreg"
)

// ProgressFunc is called after each scenario with the number finished so far.
type ProgressFunc func(done, total int, o Outcome)

// Runner runs scenarios one after another on a single CPU.
type Runner struct {
	engine   *el2.Engine
	conduit  smc.Conduit
	log      *slog.Logger
	progress ProgressFunc
}

type RunnerOption func(*Runner)

func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.log = l
		}
	}
}

func WithProgress(fn ProgressFunc) RunnerOption {
	return func(r *Runner) { r.progress = fn }
}

func NewRunner(engine *el2.Engine, conduit smc.Conduit, opts ...RunnerOption) *Runner {
	r := &Runner{
		engine:  engine,
		conduit: conduit,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes scenarios in order. Scenario failures are recorded in the
// report; only cancellation of ctx stops the run early.
func (r *Runner) Run(ctx context.Context, scenarios []Scenario) (*Report, error) {
	rep := &Report{}
	for i, s := range scenarios {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		o := r.RunOne(ctx, s)
		rep.Outcomes = append(rep.Outcomes, o)

		attrs := []any{"scenario", s.Name, "kind", s.Kind.String(), "result", o.Result.String(), "elapsed", o.Elapsed}
		switch {
		case o.Err != nil:
			r.log.Error("scenario failed", append(attrs, "error", o.Err)...)
		case o.Result == Fail:
			r.log.Warn("EL2 context corrupted across world switch", append(attrs, "registers", len(o.Mismatches))...)
			for _, m := range o.Mismatches {
				if m.Register == sysreg.RegisterInvalid {
					r.log.Warn("block presence changed", "scenario", s.Name, "block", m.Block, "before", m.WantCaptured)
					continue
				}
				r.log.Warn("register changed", "scenario", s.Name, "reg", m.Register.String(),
					"want", fmt.Sprintf("%#x", m.Want), "got", fmt.Sprintf("%#x", m.Got))
			}
		default:
			r.log.Info("scenario finished", attrs...)
		}

		if r.progress != nil {
			r.progress(i+1, len(scenarios), o)
		}
	}
	return rep, nil
}

// RunOne executes a single scenario.
func (r *Runner) RunOne(ctx context.Context, s Scenario) Outcome {
	start := time.Now()
	ctx, cancel := withTimeout(ctx, s.Timeout)
	defer cancel()

	var o Outcome
	switch s.Kind {
	case Preserve:
		o = r.preserve(ctx, s)
	case Probe:
		o = r.probe(ctx, s)
	default:
		o = Outcome{Result: Fail, Err: fmt.Errorf("ctxmgmt: unknown scenario kind %v", s.Kind)}
	}
	o.Scenario = s
	o.Elapsed = time.Since(start)
	return o
}

func (r *Runner) save(phase string) (*el2.Context, error) {
	c := &el2.Context{}
	if err := r.engine.Save(c); err != nil {
		return nil, fmt.Errorf("save %s: %w", phase, err)
	}
	if r.log.Enabled(context.Background(), slog.LevelDebug) {
		el2.Dump(r.log.With("phase", phase), c)
	}
	return c, nil
}

func failed(err error) Outcome {
	return Outcome{Result: Fail, Err: err}
}

func (s Scenario) checkX0(res smc.Result) error {
	if s.ExpectX0 != nil && res.X[0] != *s.ExpectX0 {
		return fmt.Errorf("smc %v: x0 = %#x, want %#x", s.FID, res.X[0], *s.ExpectX0)
	}
	return nil
}

func verdict(err error) Outcome {
	if err == nil {
		return Outcome{Result: Success}
	}
	return Outcome{Result: Fail, Mismatches: el2.Mismatches(err)}
}

func (r *Runner) preserve(ctx context.Context, s Scenario) Outcome {
	before, err := r.save("before")
	if err != nil {
		return failed(err)
	}

	res, err := r.conduit.Call(ctx, s.args())
	if err != nil {
		return failed(fmt.Errorf("smc %v: %w", s.FID, err))
	}
	if serviceMissing(res) {
		return Outcome{Result: Skipped}
	}
	if err := s.checkX0(res); err != nil {
		return failed(err)
	}

	after, err := r.save("after")
	if err != nil {
		return failed(err)
	}
	return verdict(el2.Compare(before, after))
}

func (r *Runner) probe(ctx context.Context, s Scenario) (o Outcome) {
	orig, err := r.save("original")
	if err != nil {
		return failed(err)
	}

	// The original context is put back whatever happens below.
	defer func() {
		if err := r.engine.Restore(orig); err != nil {
			o.Result = Fail
			o.Err = multierr.Append(o.Err, fmt.Errorf("restore original: %w", err))
		}
	}()

	if err := r.engine.RestoreMasked(orig, s.Mask); err != nil {
		return failed(fmt.Errorf("probe write: %w", err))
	}
	// Read back what the CPU kept of the probe write; RES0 and RES1 fields
	// do not take the mask.
	probed, err := r.save("probed")
	if err != nil {
		return failed(err)
	}

	res, err := r.conduit.Call(ctx, s.args())
	if err != nil {
		return failed(fmt.Errorf("smc %v: %w", s.FID, err))
	}
	if serviceMissing(res) {
		return Outcome{Result: Skipped}
	}
	if err := s.checkX0(res); err != nil {
		return failed(err)
	}

	after, err := r.save("after")
	if err != nil {
		return failed(err)
	}
	return verdict(el2.Compare(probed, after))
}
