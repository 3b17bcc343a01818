package el2

import (
	"fmt"

	"github.com/tinyrange/el2ctx/internal/feature"
	"github.com/tinyrange/el2ctx/internal/sysreg"
)

// Rule says how the engine treats one register.
type Rule uint8

const (
	// Masked registers are saved and written back as value | (mask &^ strip).
	Masked Rule = iota
	// Verbatim registers are saved, left out of the masked restore and only
	// written back unmasked by RestoreVerbatim.
	Verbatim
	// SaveOnly registers are saved and never written back.
	SaveOnly
	// Inaccessible registers are modelled but never read or written.
	Inaccessible
)

func (r Rule) String() string {
	switch r {
	case Masked:
		return "masked"
	case Verbatim:
		return "verbatim"
	case SaveOnly:
		return "save-only"
	case Inaccessible:
		return "inaccessible"
	default:
		return fmt.Sprintf("Rule(%d)", uint8(r))
	}
}

type slot struct {
	reg       sysreg.Register
	rule      Rule
	stripBits uint64
	subGate   feature.Extension
	spsel     bool
	volatile  bool
	reason    string
	value     func(*Context) *uint64
	valid     func(*Context) *bool
}

func reg(r sysreg.Register, value func(*Context) *uint64) slot {
	return slot{reg: r, rule: Masked, value: value}
}

func (s slot) strip(bits uint64, reason string) slot {
	s.stripBits = bits
	s.reason = reason
	return s
}

func (s slot) only(rule Rule, reason string) slot {
	s.rule = rule
	s.reason = reason
	return s
}

func (s slot) when(ext feature.Extension, valid func(*Context) *bool) slot {
	s.subGate = ext
	s.valid = valid
	return s
}

func (s slot) onSPSel(valid func(*Context) *bool) slot {
	s.spsel = true
	s.valid = valid
	return s
}

func (s slot) unstable() slot {
	s.volatile = true
	return s
}

func (s slot) captured(c *Context) bool {
	if s.rule == Inaccessible {
		return false
	}
	if s.valid == nil {
		return true
	}
	return *s.valid(c)
}

type block struct {
	name    string
	gate    feature.Extension
	present func(*Context) bool
	alloc   func(*Context)
	slots   []slot
}

func (b *block) gated() bool { return b.gate != feature.ExtensionInvalid }

func (b *block) has(rule Rule) bool {
	for _, s := range b.slots {
		if s.rule == rule {
			return true
		}
	}
	return false
}

const (
	reasonStack     = "control flow depends on the stack pointer"
	reasonEE        = "flipping EE changes the endianness of later accesses"
	reasonTransl    = "masking the live translation regime may crash the harness"
	reasonASID      = "ASID bits are not probed"
	reasonVMCR      = "ICH_VMCR_EL2 cannot be restored once modified"
	reasonPOE       = "POE bit is not probed"
	reasonPCRSEL    = "PCRSEL bit is not probed"
	reasonMPAM2     = "MPAM2_EL2 may change before the world switch"
	reasonMPAMTrap  = "access raises an exception"
	reasonHAFGRTR   = "requires AMUv1"
	reasonSPCapture = "captured only while SPSel selects SP_EL2"
)

// layout is the single ordered description of the EL2 context. Save,
// restore, dump, compare and snapshot I/O all walk it.
var layout = []block{
	{
		name:    "Common",
		gate:    feature.ExtensionInvalid,
		present: func(*Context) bool { return true },
		alloc:   func(*Context) {},
		slots: []slot{
			reg(sysreg.ACTLR_EL2, func(c *Context) *uint64 { return &c.Common.ACTLR }),
			reg(sysreg.AFSR0_EL2, func(c *Context) *uint64 { return &c.Common.AFSR0 }),
			reg(sysreg.AFSR1_EL2, func(c *Context) *uint64 { return &c.Common.AFSR1 }),
			reg(sysreg.AMAIR_EL2, func(c *Context) *uint64 { return &c.Common.AMAIR }),
			reg(sysreg.CNTHCTL_EL2, func(c *Context) *uint64 { return &c.Common.CNTHCTL }),
			reg(sysreg.CNTVOFF_EL2, func(c *Context) *uint64 { return &c.Common.CNTVOFF }),
			reg(sysreg.CPTR_EL2, func(c *Context) *uint64 { return &c.Common.CPTR }),
			reg(sysreg.DBGVCR32_EL2, func(c *Context) *uint64 { return &c.Common.DBGVCR32 }),
			reg(sysreg.ELR_EL2, func(c *Context) *uint64 { return &c.Common.ELR }),
			reg(sysreg.ESR_EL2, func(c *Context) *uint64 { return &c.Common.ESR }),
			reg(sysreg.FAR_EL2, func(c *Context) *uint64 { return &c.Common.FAR }),
			reg(sysreg.HACR_EL2, func(c *Context) *uint64 { return &c.Common.HACR }),
			reg(sysreg.HCR_EL2, func(c *Context) *uint64 { return &c.Common.HCR }),
			reg(sysreg.HPFAR_EL2, func(c *Context) *uint64 { return &c.Common.HPFAR }),
			reg(sysreg.HSTR_EL2, func(c *Context) *uint64 { return &c.Common.HSTR }),
			reg(sysreg.ICC_SRE_EL2, func(c *Context) *uint64 { return &c.Common.ICCSRE }),
			reg(sysreg.ICH_HCR_EL2, func(c *Context) *uint64 { return &c.Common.ICHHCR }),
			reg(sysreg.ICH_VMCR_EL2, func(c *Context) *uint64 { return &c.Common.ICHVMCR }).
				only(SaveOnly, reasonVMCR),
			reg(sysreg.MAIR_EL2, func(c *Context) *uint64 { return &c.Common.MAIR }),
			reg(sysreg.MDCR_EL2, func(c *Context) *uint64 { return &c.Common.MDCR }),
			reg(sysreg.PMSCR_EL2, func(c *Context) *uint64 { return &c.Common.PMSCR }),
			reg(sysreg.SCTLR_EL2, func(c *Context) *uint64 { return &c.Common.SCTLR }).
				strip(sysreg.SCTLREL2EE, reasonEE),
			reg(sysreg.SPSR_EL2, func(c *Context) *uint64 { return &c.Common.SPSR }),
			reg(sysreg.SP_EL2, func(c *Context) *uint64 { return &c.Common.SP }).
				only(SaveOnly, reasonStack).
				onSPSel(func(c *Context) *bool { return &c.Common.HasSP }).
				unstable(),
			reg(sysreg.TCR_EL2, func(c *Context) *uint64 { return &c.Common.TCR }).
				only(Verbatim, reasonTransl),
			reg(sysreg.TPIDR_EL2, func(c *Context) *uint64 { return &c.Common.TPIDR }),
			reg(sysreg.TTBR0_EL2, func(c *Context) *uint64 { return &c.Common.TTBR0 }).
				only(Verbatim, reasonTransl),
			reg(sysreg.VBAR_EL2, func(c *Context) *uint64 { return &c.Common.VBAR }),
			reg(sysreg.VMPIDR_EL2, func(c *Context) *uint64 { return &c.Common.VMPIDR }),
			reg(sysreg.VPIDR_EL2, func(c *Context) *uint64 { return &c.Common.VPIDR }),
			reg(sysreg.VTCR_EL2, func(c *Context) *uint64 { return &c.Common.VTCR }),
			reg(sysreg.VTTBR_EL2, func(c *Context) *uint64 { return &c.Common.VTTBR }),
		},
	},
	{
		name:    "MTE2",
		gate:    feature.MTE2,
		present: func(c *Context) bool { return c.MTE2 != nil },
		alloc:   func(c *Context) { c.MTE2 = &MTE2Regs{} },
		slots: []slot{
			reg(sysreg.TFSR_EL2, func(c *Context) *uint64 { return &c.MTE2.TFSR }),
		},
	},
	{
		name:    "FGT",
		gate:    feature.FGT,
		present: func(c *Context) bool { return c.FGT != nil },
		alloc:   func(c *Context) { c.FGT = &FGTRegs{} },
		slots: []slot{
			reg(sysreg.HDFGRTR_EL2, func(c *Context) *uint64 { return &c.FGT.HDFGRTR }),
			reg(sysreg.HAFGRTR_EL2, func(c *Context) *uint64 { return &c.FGT.HAFGRTR }).
				when(feature.AMUv1, func(c *Context) *bool { return &c.FGT.HasHAFGRTR }),
			reg(sysreg.HDFGWTR_EL2, func(c *Context) *uint64 { return &c.FGT.HDFGWTR }),
			reg(sysreg.HFGITR_EL2, func(c *Context) *uint64 { return &c.FGT.HFGITR }),
			reg(sysreg.HFGRTR_EL2, func(c *Context) *uint64 { return &c.FGT.HFGRTR }),
			reg(sysreg.HFGWTR_EL2, func(c *Context) *uint64 { return &c.FGT.HFGWTR }),
		},
	},
	{
		name:    "FGT2",
		gate:    feature.FGT2,
		present: func(c *Context) bool { return c.FGT2 != nil },
		alloc:   func(c *Context) { c.FGT2 = &FGT2Regs{} },
		slots: []slot{
			reg(sysreg.HDFGRTR2_EL2, func(c *Context) *uint64 { return &c.FGT2.HDFGRTR2 }),
			reg(sysreg.HDFGWTR2_EL2, func(c *Context) *uint64 { return &c.FGT2.HDFGWTR2 }),
			reg(sysreg.HFGITR2_EL2, func(c *Context) *uint64 { return &c.FGT2.HFGITR2 }),
			reg(sysreg.HFGRTR2_EL2, func(c *Context) *uint64 { return &c.FGT2.HFGRTR2 }),
			reg(sysreg.HFGWTR2_EL2, func(c *Context) *uint64 { return &c.FGT2.HFGWTR2 }),
		},
	},
	{
		name:    "ECV",
		gate:    feature.ECV,
		present: func(c *Context) bool { return c.ECV != nil },
		alloc:   func(c *Context) { c.ECV = &ECVRegs{} },
		slots: []slot{
			reg(sysreg.CNTPOFF_EL2, func(c *Context) *uint64 { return &c.ECV.CNTPOFF }),
		},
	},
	{
		name:    "VHE",
		gate:    feature.VHE,
		present: func(c *Context) bool { return c.VHE != nil },
		alloc:   func(c *Context) { c.VHE = &VHERegs{} },
		slots: []slot{
			reg(sysreg.CONTEXTIDR_EL2, func(c *Context) *uint64 { return &c.VHE.CONTEXTIDR }),
			reg(sysreg.TTBR1_EL2, func(c *Context) *uint64 { return &c.VHE.TTBR1 }).
				strip(sysreg.TTBR1EL2ASID, reasonASID),
		},
	},
	{
		name:    "RAS",
		gate:    feature.RAS,
		present: func(c *Context) bool { return c.RAS != nil },
		alloc:   func(c *Context) { c.RAS = &RASRegs{} },
		slots: []slot{
			reg(sysreg.VDISR_EL2, func(c *Context) *uint64 { return &c.RAS.VDISR }),
			reg(sysreg.VSESR_EL2, func(c *Context) *uint64 { return &c.RAS.VSESR }),
		},
	},
	{
		name:    "NEVE",
		gate:    feature.NV2,
		present: func(c *Context) bool { return c.NV2 != nil },
		alloc:   func(c *Context) { c.NV2 = &NV2Regs{} },
		slots: []slot{
			reg(sysreg.VNCR_EL2, func(c *Context) *uint64 { return &c.NV2.VNCR }),
		},
	},
	{
		name:    "TRF",
		gate:    feature.TRF,
		present: func(c *Context) bool { return c.TRF != nil },
		alloc:   func(c *Context) { c.TRF = &TRFRegs{} },
		slots: []slot{
			reg(sysreg.TRFCR_EL2, func(c *Context) *uint64 { return &c.TRF.TRFCR }),
		},
	},
	{
		name:    "CSV2",
		gate:    feature.CSV2,
		present: func(c *Context) bool { return c.CSV2 != nil },
		alloc:   func(c *Context) { c.CSV2 = &CSV2Regs{} },
		slots: []slot{
			reg(sysreg.SCXTNUM_EL2, func(c *Context) *uint64 { return &c.CSV2.SCXTNUM }),
		},
	},
	{
		name:    "HCX",
		gate:    feature.HCX,
		present: func(c *Context) bool { return c.HCX != nil },
		alloc:   func(c *Context) { c.HCX = &HCXRegs{} },
		slots: []slot{
			reg(sysreg.HCRX_EL2, func(c *Context) *uint64 { return &c.HCX.HCRX }),
		},
	},
	{
		name:    "TCR2",
		gate:    feature.TCR2,
		present: func(c *Context) bool { return c.TCR2 != nil },
		alloc:   func(c *Context) { c.TCR2 = &TCR2Regs{} },
		slots: []slot{
			reg(sysreg.TCR2_EL2, func(c *Context) *uint64 { return &c.TCR2.TCR2 }).
				strip(sysreg.TCR2EL2POE, reasonPOE),
		},
	},
	{
		name:    "SxPOE",
		gate:    feature.SxPOE,
		present: func(c *Context) bool { return c.SxPOE != nil },
		alloc:   func(c *Context) { c.SxPOE = &SxPOERegs{} },
		slots: []slot{
			reg(sysreg.POR_EL2, func(c *Context) *uint64 { return &c.SxPOE.POR }),
		},
	},
	{
		name:    "SxPIE",
		gate:    feature.SxPIE,
		present: func(c *Context) bool { return c.SxPIE != nil },
		alloc:   func(c *Context) { c.SxPIE = &SxPIERegs{} },
		slots: []slot{
			reg(sysreg.PIRE0_EL2, func(c *Context) *uint64 { return &c.SxPIE.PIRE0 }),
			reg(sysreg.PIR_EL2, func(c *Context) *uint64 { return &c.SxPIE.PIR }),
		},
	},
	{
		name:    "S2PIE",
		gate:    feature.S2PIE,
		present: func(c *Context) bool { return c.S2PIE != nil },
		alloc:   func(c *Context) { c.S2PIE = &S2PIERegs{} },
		slots: []slot{
			reg(sysreg.S2PIR_EL2, func(c *Context) *uint64 { return &c.S2PIE.S2PIR }),
		},
	},
	{
		name:    "GCS",
		gate:    feature.GCS,
		present: func(c *Context) bool { return c.GCS != nil },
		alloc:   func(c *Context) { c.GCS = &GCSRegs{} },
		slots: []slot{
			reg(sysreg.GCSCR_EL2, func(c *Context) *uint64 { return &c.GCS.GCSCR }).
				strip(sysreg.GCSCREL2PCRSEL, reasonPCRSEL),
			reg(sysreg.GCSPR_EL2, func(c *Context) *uint64 { return &c.GCS.GCSPR }),
		},
	},
	{
		name:    "MPAM",
		gate:    feature.MPAM,
		present: func(c *Context) bool { return c.MPAM != nil },
		alloc:   func(c *Context) { c.MPAM = &MPAMRegs{} },
		slots: []slot{
			reg(sysreg.MPAM2_EL2, func(c *Context) *uint64 { return &c.MPAM.MPAM2 }).
				only(SaveOnly, reasonMPAM2).
				unstable(),
			reg(sysreg.MPAMHCR_EL2, func(c *Context) *uint64 { return &c.MPAM.MPAMHCR }).
				only(Inaccessible, reasonMPAMTrap),
			mpamVPM(sysreg.MPAMVPM0_EL2, 0),
			mpamVPM(sysreg.MPAMVPM1_EL2, 1),
			mpamVPM(sysreg.MPAMVPM2_EL2, 2),
			mpamVPM(sysreg.MPAMVPM3_EL2, 3),
			mpamVPM(sysreg.MPAMVPM4_EL2, 4),
			mpamVPM(sysreg.MPAMVPM5_EL2, 5),
			mpamVPM(sysreg.MPAMVPM6_EL2, 6),
			mpamVPM(sysreg.MPAMVPM7_EL2, 7),
			reg(sysreg.MPAMVPMV_EL2, func(c *Context) *uint64 { return &c.MPAM.MPAMVPMV }).
				only(Inaccessible, reasonMPAMTrap),
		},
	},
}

func mpamVPM(r sysreg.Register, n int) slot {
	return reg(r, func(c *Context) *uint64 { return &c.MPAM.MPAMVPM[n] }).
		only(Inaccessible, reasonMPAMTrap)
}

type slotRef struct {
	block int
	slot  int
}

var slotIndex = func() map[sysreg.Register]slotRef {
	m := make(map[sysreg.Register]slotRef)
	for bi := range layout {
		for si, s := range layout[bi].slots {
			m[s.reg] = slotRef{block: bi, slot: si}
		}
	}
	return m
}()

func lookupSlot(r sysreg.Register) (*block, *slot, bool) {
	ref, ok := slotIndex[r]
	if !ok {
		return nil, nil, false
	}
	b := &layout[ref.block]
	return b, &b.slots[ref.slot], true
}

// Policy describes how one register of the context is handled.
type Policy struct {
	Register sysreg.Register
	Block    string
	Gate     feature.Extension
	SubGate  feature.Extension
	Rule     Rule
	Strip    uint64
	Reason   string
}

// Policies returns the handling of every register in walk order.
func Policies() []Policy {
	var out []Policy
	for _, b := range layout {
		for _, s := range b.slots {
			p := Policy{
				Register: s.reg,
				Block:    b.name,
				Gate:     b.gate,
				SubGate:  s.subGate,
				Rule:     s.rule,
				Strip:    s.stripBits,
				Reason:   s.reason,
			}
			if s.spsel && p.Reason == "" {
				p.Reason = reasonSPCapture
			}
			if s.subGate != feature.ExtensionInvalid && p.Reason == "" {
				p.Reason = reasonHAFGRTR
			}
			out = append(out, p)
		}
	}
	return out
}

// Exclusions returns the registers that the masked restore does not write
// as value | mask: every non-Masked register and every register with strip
// bits.
func Exclusions() []Policy {
	var out []Policy
	for _, p := range Policies() {
		if p.Rule != Masked || p.Strip != 0 {
			out = append(out, p)
		}
	}
	return out
}

// ProbeValue returns the value RestoreMasked writes to r for a saved value
// and mask. ok is false when the masked restore never writes r.
func ProbeValue(r sysreg.Register, saved, mask uint64) (value uint64, ok bool) {
	_, s, found := lookupSlot(r)
	if !found || s.rule != Masked {
		return 0, false
	}
	return saved | (mask &^ s.stripBits), true
}
