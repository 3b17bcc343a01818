package feature

import (
	"github.com/tinyrange/el2ctx/internal/sysreg"
)

// IDRegisters holds ID register values describing a CPU.
type IDRegisters map[sysreg.Register]uint64

// Synthesize returns minimal ID register values under which Detector reports
// exactly the extensions in s.
func Synthesize(s Set) IDRegisters {
	ids := IDRegisters{
		sysreg.ID_AA64PFR0_EL1:  0,
		sysreg.ID_AA64PFR1_EL1:  0,
		sysreg.ID_AA64DFR0_EL1:  0,
		sysreg.ID_AA64MMFR0_EL1: 0,
		sysreg.ID_AA64MMFR1_EL1: 0,
		sysreg.ID_AA64MMFR2_EL1: 0,
		sysreg.ID_AA64MMFR3_EL1: 0,
	}
	set := func(reg sysreg.Register, f sysreg.Field, v uint64) {
		ids[reg] = f.Insert(ids[reg], v)
	}

	if s[MTE2] {
		set(sysreg.ID_AA64PFR1_EL1, sysreg.PFR1MTE, sysreg.MTESupportMTE2)
	}
	switch {
	case s[FGT2]:
		// FGT2 implies FGT.
		set(sysreg.ID_AA64MMFR0_EL1, sysreg.MMFR0FGT, sysreg.FGTSupportFGT2)
	case s[FGT]:
		set(sysreg.ID_AA64MMFR0_EL1, sysreg.MMFR0FGT, sysreg.FGTSupportFGT)
	}
	if s[ECV] {
		set(sysreg.ID_AA64MMFR0_EL1, sysreg.MMFR0ECV, sysreg.ECVSupportSelfSynch)
	}
	if s[VHE] {
		set(sysreg.ID_AA64MMFR1_EL1, sysreg.MMFR1VH, 1)
	}
	if s[RAS] {
		set(sysreg.ID_AA64PFR0_EL1, sysreg.PFR0RAS, sysreg.RASSupportRAS)
	}
	if s[NV2] {
		set(sysreg.ID_AA64MMFR2_EL1, sysreg.MMFR2NV, sysreg.NVSupportNV2)
	}
	if s[TRF] {
		set(sysreg.ID_AA64DFR0_EL1, sysreg.DFR0TraceFilt, 1)
	}
	if s[CSV2] {
		set(sysreg.ID_AA64PFR0_EL1, sysreg.PFR0CSV2, sysreg.CSV2Support2)
	}
	if s[HCX] {
		set(sysreg.ID_AA64MMFR1_EL1, sysreg.MMFR1HCX, 1)
	}
	if s[TCR2] {
		set(sysreg.ID_AA64MMFR3_EL1, sysreg.MMFR3TCRX, 1)
	}
	if s[SxPOE] {
		set(sysreg.ID_AA64MMFR3_EL1, sysreg.MMFR3S1POE, 1)
	}
	if s[SxPIE] {
		set(sysreg.ID_AA64MMFR3_EL1, sysreg.MMFR3S1PIE, 1)
	}
	if s[S2PIE] {
		set(sysreg.ID_AA64MMFR3_EL1, sysreg.MMFR3S2PIE, 1)
	}
	if s[GCS] {
		set(sysreg.ID_AA64PFR1_EL1, sysreg.PFR1GCS, 1)
	}
	if s[MPAM] {
		set(sysreg.ID_AA64PFR0_EL1, sysreg.PFR0MPAM, 1)
	}
	if s[AMUv1] {
		set(sysreg.ID_AA64PFR0_EL1, sysreg.PFR0AMU, 1)
	}
	return ids
}
