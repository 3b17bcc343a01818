package el2

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/el2ctx/internal/feature"
	"github.com/tinyrange/el2ctx/internal/sysreg"
)

var (
	// ErrNotCaptured is returned when a restore would write a register whose
	// gate is now true but which was not captured by the save.
	ErrNotCaptured = errors.New("register not captured in context")
)

// Engine saves and restores EL2 contexts through an accessor, consulting
// feature gates on every pass.
type Engine struct {
	acc   sysreg.Accessor
	gates feature.Oracle
	log   *slog.Logger
}

type Option func(*Engine)

// WithLogger sets the logger used for pass summaries.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// New returns an engine. A nil gates oracle means the gates are derived from
// the ID registers reachable through acc.
func New(acc sysreg.Accessor, gates feature.Oracle, opts ...Option) *Engine {
	if gates == nil {
		gates = feature.NewDetector(acc)
	}
	e := &Engine{
		acc:   acc,
		gates: gates,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) gate(b *block) (bool, error) {
	if !b.gated() {
		return true, nil
	}
	ok, err := e.gates.Present(b.gate)
	if err != nil {
		return false, fmt.Errorf("el2: %s gate: %w", b.gate, err)
	}
	return ok, nil
}

// pass carries the sub-guard answers of one walk so each guard is evaluated
// at most once per pass.
type pass struct {
	e     *Engine
	sub   map[feature.Extension]bool
	spsel *bool
}

func (e *Engine) newPass() *pass {
	return &pass{e: e, sub: make(map[feature.Extension]bool)}
}

func (p *pass) guard(s *slot) (bool, error) {
	if s.spsel {
		if p.spsel == nil {
			v, err := p.e.acc.ReadSysReg(sysreg.SPSel)
			if err != nil {
				return false, fmt.Errorf("el2: read SPSel: %w", err)
			}
			active := v&1 == sysreg.SPSelELx
			p.spsel = &active
		}
		if !*p.spsel {
			return false, nil
		}
	}
	if s.subGate != feature.ExtensionInvalid {
		ok, seen := p.sub[s.subGate]
		if !seen {
			var err error
			ok, err = p.e.gates.Present(s.subGate)
			if err != nil {
				return false, fmt.Errorf("el2: %s gate: %w", s.subGate, err)
			}
			p.sub[s.subGate] = ok
		}
		return ok, nil
	}
	return true, nil
}

// walkSave visits, in layout order, every register a save pass reads.
func (e *Engine) walkSave(onBlock func(b *block), onSlot func(b *block, s *slot) error) error {
	p := e.newPass()
	for bi := range layout {
		b := &layout[bi]
		ok, err := e.gate(b)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if onBlock != nil {
			onBlock(b)
		}
		for si := range b.slots {
			s := &b.slots[si]
			if s.rule == Inaccessible {
				continue
			}
			ok, err := p.guard(s)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := onSlot(b, s); err != nil {
				return err
			}
		}
	}
	return nil
}

// Save reads every applicable EL2 register into ctx. ctx is reset first, so
// blocks of absent extensions are nil afterwards. SP_EL2 is captured only
// while it is the selected stack pointer, HAFGRTR_EL2 only when AMUv1 is
// also present.
func (e *Engine) Save(ctx *Context) error {
	*ctx = Context{}

	n := 0
	err := e.walkSave(
		func(b *block) { b.alloc(ctx) },
		func(b *block, s *slot) error {
			v, err := e.acc.ReadSysReg(s.reg)
			if err != nil {
				return fmt.Errorf("el2: save %s: %w", s.reg, err)
			}
			*s.value(ctx) = v
			if s.valid != nil {
				*s.valid(ctx) = true
			}
			n++
			return nil
		},
	)
	if err != nil {
		return err
	}

	e.log.Debug("saved EL2 context", "registers", n, "extensions", ctx.Extensions().String())
	return nil
}

// Plan returns, in order, the registers a Save would read right now.
func (e *Engine) Plan() ([]sysreg.Register, error) {
	var regs []sysreg.Register
	err := e.walkSave(nil, func(b *block, s *slot) error {
		regs = append(regs, s.reg)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return regs, nil
}

// walkRestore visits every register with the given rule whose block gate
// and sub-guards hold. Blocks without such registers are not gated.
func (e *Engine) walkRestore(ctx *Context, rule Rule, fn func(s *slot, v uint64) error) error {
	p := e.newPass()
	for bi := range layout {
		b := &layout[bi]
		if !b.has(rule) {
			continue
		}
		ok, err := e.gate(b)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if !b.present(ctx) {
			return fmt.Errorf("el2: restore %s block: %w", b.name, ErrNotCaptured)
		}
		for si := range b.slots {
			s := &b.slots[si]
			if s.rule != rule {
				continue
			}
			ok, err := p.guard(s)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if !s.captured(ctx) {
				return fmt.Errorf("el2: restore %s: %w", s.reg, ErrNotCaptured)
			}
			if err := fn(s, *s.value(ctx)); err != nil {
				return err
			}
		}
	}
	return nil
}

// RestoreMasked is the probe-write: every Masked register is written back as
// its saved value ORed with mask, minus the register's protected bits
// (SCTLR_EL2.EE, TTBR1_EL2.ASID, TCR2_EL2.POE, GCSCR_EL2.PCRSEL).
//
// It never writes SP_EL2, ICH_VMCR_EL2, TCR_EL2, TTBR0_EL2, MPAM2_EL2 or the
// inaccessible MPAM registers. With mask 0 it restores the saved state of
// every register it touches.
func (e *Engine) RestoreMasked(ctx *Context, mask uint64) error {
	n := 0
	err := e.walkRestore(ctx, Masked, func(s *slot, v uint64) error {
		if err := e.acc.WriteSysReg(s.reg, v|(mask&^s.stripBits)); err != nil {
			return fmt.Errorf("el2: restore %s: %w", s.reg, err)
		}
		n++
		return nil
	})
	if err != nil {
		return err
	}

	e.log.Debug("restored EL2 context", "registers", n, "mask", fmt.Sprintf("%#x", mask))
	return nil
}

// RestoreVerbatim writes back, unmasked, the registers that are unsafe to
// probe: TCR_EL2 and TTBR0_EL2.
func (e *Engine) RestoreVerbatim(ctx *Context) error {
	return e.walkRestore(ctx, Verbatim, func(s *slot, v uint64) error {
		if err := e.acc.WriteSysReg(s.reg, v); err != nil {
			return fmt.Errorf("el2: restore %s: %w", s.reg, err)
		}
		return nil
	})
}

// Restore writes back every restorable register exactly as saved.
func (e *Engine) Restore(ctx *Context) error {
	if err := e.RestoreMasked(ctx, 0); err != nil {
		return err
	}
	return e.RestoreVerbatim(ctx)
}
