package sysreg

import (
	"gvisor.dev/gvisor/pkg/bits"
)

// Field is a bit-field of a 64-bit register.
type Field struct {
	Shift uint
	Width uint
}

// Mask returns the in-place mask of the field.
func (f Field) Mask() uint64 {
	if f.Width >= 64 {
		return ^uint64(0)
	}
	return (bits.MaskOf64(int(f.Width)) - 1) << f.Shift
}

// Extract returns the field value of v, shifted down to bit 0.
func (f Field) Extract(v uint64) uint64 {
	return (v & f.Mask()) >> f.Shift
}

// Insert returns v with the field replaced by val.
func (f Field) Insert(v, val uint64) uint64 {
	return (v &^ f.Mask()) | ((val << f.Shift) & f.Mask())
}

// ID register fields used by the feature gates.
var (
	PFR0RAS  = Field{Shift: 28, Width: 4}
	PFR0AMU  = Field{Shift: 44, Width: 4}
	PFR0MPAM = Field{Shift: 40, Width: 4}
	PFR0CSV2 = Field{Shift: 56, Width: 4}

	PFR1MTE      = Field{Shift: 8, Width: 4}
	PFR1RASFrac  = Field{Shift: 12, Width: 4}
	PFR1MPAMFrac = Field{Shift: 16, Width: 4}
	PFR1GCS      = Field{Shift: 44, Width: 4}

	DFR0TraceFilt = Field{Shift: 40, Width: 4}

	MMFR0FGT = Field{Shift: 56, Width: 4}
	MMFR0ECV = Field{Shift: 60, Width: 4}

	MMFR1VH  = Field{Shift: 8, Width: 4}
	MMFR1HCX = Field{Shift: 40, Width: 4}

	MMFR2NV = Field{Shift: 24, Width: 4}

	MMFR3TCRX  = Field{Shift: 0, Width: 4}
	MMFR3S1PIE = Field{Shift: 8, Width: 4}
	MMFR3S2PIE = Field{Shift: 12, Width: 4}
	MMFR3S1POE = Field{Shift: 16, Width: 4}
)

// ID register field values with architectural meaning.
const (
	MTESupportMTE2 = 2

	FGTSupportFGT  = 1
	FGTSupportFGT2 = 2

	ECVSupportSelfSynch = 2

	NVSupportNV2 = 2

	RASSupportRAS     = 1
	RASSupportRASv1p1 = 2

	CSV2Support2 = 2
)

// Bits that the masked restore never ORs into the corresponding register.
var (
	// SCTLREL2EE is SCTLR_EL2.EE; flipping it changes data endianness.
	SCTLREL2EE = bits.MaskOf64(25)
	// TTBR1EL2ASID is TTBR1_EL2.ASID.
	TTBR1EL2ASID = Field{Shift: 48, Width: 16}.Mask()
	// TCR2EL2POE is TCR2_EL2.POE.
	TCR2EL2POE = bits.MaskOf64(3)
	// GCSCREL2PCRSEL is GCSCR_EL2.PCRSEL.
	GCSCREL2PCRSEL = bits.MaskOf64(0)
)

// CorruptionValue sets every bit; used as the probe-write mask.
const CorruptionValue uint64 = 0xffffffffffffffff

// PSTATE.SP selection values as read from SPSel.
const (
	SPSelEL0 = 0
	SPSelELx = 1
)
