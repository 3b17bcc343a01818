package el2

import (
	"fmt"

	"github.com/tinyrange/el2ctx/internal/feature"
	"github.com/tinyrange/el2ctx/internal/sysreg"
)

// Extensions returns the extensions whose blocks were captured.
func (c *Context) Extensions() feature.Set {
	s := make(feature.Set)
	for bi := range layout {
		b := &layout[bi]
		if b.gated() && b.present(c) {
			s[b.gate] = true
		}
	}
	return s
}

// Lookup returns the captured value of r. ok is false when r was not
// captured, including registers of absent blocks and inaccessible registers.
func (c *Context) Lookup(r sysreg.Register) (value uint64, ok bool) {
	b, s, found := lookupSlot(r)
	if !found || !b.present(c) || !s.captured(c) {
		return 0, false
	}
	return *s.value(c), true
}

// Set records v as the captured value of r, creating r's block if needed.
func (c *Context) Set(r sysreg.Register, v uint64) error {
	b, s, found := lookupSlot(r)
	if !found {
		return fmt.Errorf("el2: %s: %w", r, sysreg.ErrUnknownRegister)
	}
	if s.rule == Inaccessible {
		return fmt.Errorf("el2: %s is never captured", r)
	}
	if !b.present(c) {
		b.alloc(c)
	}
	*s.value(c) = v
	if s.valid != nil {
		*s.valid(c) = true
	}
	return nil
}

// Captured returns the captured registers in walk order.
func (c *Context) Captured() []sysreg.Register {
	var out []sysreg.Register
	for bi := range layout {
		b := &layout[bi]
		if !b.present(c) {
			continue
		}
		for _, s := range b.slots {
			if s.captured(c) {
				out = append(out, s.reg)
			}
		}
	}
	return out
}
