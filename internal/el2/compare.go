package el2

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/tinyrange/el2ctx/internal/sysreg"
)

// Mismatch reports one register that differs between two contexts. A
// mismatch with Block set and no Register is a whole block captured in only
// one context.
type Mismatch struct {
	Block    string
	Register sysreg.Register
	Want     uint64
	Got      uint64

	// Missing is set when the register was captured in only one context;
	// WantCaptured tells which one.
	Missing      bool
	WantCaptured bool
}

func (m *Mismatch) Error() string {
	if m.Register == sysreg.RegisterInvalid {
		if m.WantCaptured {
			return fmt.Sprintf("%s block: captured before, missing after", m.Block)
		}
		return fmt.Sprintf("%s block: missing before, captured after", m.Block)
	}
	if m.Missing {
		if m.WantCaptured {
			return fmt.Sprintf("%s: captured before, missing after", m.Register)
		}
		return fmt.Sprintf("%s: missing before, captured after", m.Register)
	}
	return fmt.Sprintf("%s: want 0x%x, got 0x%x (diff 0x%x)", m.Register, m.Want, m.Got, m.Want^m.Got)
}

// Compare checks that every register captured in want has the same value in
// got. SP_EL2 and MPAM2_EL2 are skipped: both legitimately change between two
// saves. A block present in only one context is reported once for the block
// and again for each of its registers. The result combines one *Mismatch per
// difference; use multierr.Errors to list them.
func Compare(want, got *Context) error {
	var err error
	for bi := range layout {
		b := &layout[bi]
		if wp, gp := b.present(want), b.present(got); wp != gp {
			err = multierr.Append(err, &Mismatch{Block: b.name, Missing: true, WantCaptured: wp})
		}
		for si := range b.slots {
			s := &b.slots[si]
			if s.volatile || s.rule == Inaccessible {
				continue
			}
			wv, wok := want.Lookup(s.reg)
			gv, gok := got.Lookup(s.reg)
			switch {
			case wok != gok:
				err = multierr.Append(err, &Mismatch{
					Block:        b.name,
					Register:     s.reg,
					Want:         wv,
					Got:          gv,
					Missing:      true,
					WantCaptured: wok,
				})
			case wok && wv != gv:
				err = multierr.Append(err, &Mismatch{Block: b.name, Register: s.reg, Want: wv, Got: gv})
			}
		}
	}
	return err
}

// Mismatches unpacks the result of Compare.
func Mismatches(err error) []*Mismatch {
	var out []*Mismatch
	for _, e := range multierr.Errors(err) {
		if m, ok := e.(*Mismatch); ok {
			out = append(out, m)
		}
	}
	return out
}
