// Package sysreg names the AArch64 system registers the harness touches and
// defines the boundary through which they are read and written.
package sysreg

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownRegister = errors.New("unknown system register")
)

// Register identifies one architectural system register.
type Register uint16

const (
	RegisterInvalid Register = iota

	// EL2 common registers
	ACTLR_EL2
	AFSR0_EL2
	AFSR1_EL2
	AMAIR_EL2
	CNTHCTL_EL2
	CNTVOFF_EL2
	CPTR_EL2
	DBGVCR32_EL2
	ELR_EL2
	ESR_EL2
	FAR_EL2
	HACR_EL2
	HCR_EL2
	HPFAR_EL2
	HSTR_EL2
	ICC_SRE_EL2
	ICH_HCR_EL2
	ICH_VMCR_EL2
	MAIR_EL2
	MDCR_EL2
	PMSCR_EL2
	SCTLR_EL2
	SPSR_EL2
	SP_EL2
	TCR_EL2
	TPIDR_EL2
	TTBR0_EL2
	VBAR_EL2
	VMPIDR_EL2
	VPIDR_EL2
	VTCR_EL2
	VTTBR_EL2

	// FEAT_MTE2
	TFSR_EL2

	// FEAT_FGT
	HDFGRTR_EL2
	HAFGRTR_EL2
	HDFGWTR_EL2
	HFGITR_EL2
	HFGRTR_EL2
	HFGWTR_EL2

	// FEAT_FGT2
	HDFGRTR2_EL2
	HDFGWTR2_EL2
	HFGITR2_EL2
	HFGRTR2_EL2
	HFGWTR2_EL2

	// FEAT_ECV
	CNTPOFF_EL2

	// FEAT_VHE
	CONTEXTIDR_EL2
	TTBR1_EL2

	// FEAT_RAS
	VDISR_EL2
	VSESR_EL2

	// FEAT_NV2
	VNCR_EL2

	// FEAT_TRF
	TRFCR_EL2

	// FEAT_CSV2_2
	SCXTNUM_EL2

	// FEAT_HCX
	HCRX_EL2

	// FEAT_TCR2
	TCR2_EL2

	// FEAT_S1POE
	POR_EL2

	// FEAT_S1PIE
	PIRE0_EL2
	PIR_EL2

	// FEAT_S2PIE
	S2PIR_EL2

	// FEAT_GCS
	GCSCR_EL2
	GCSPR_EL2

	// FEAT_MPAM
	MPAM2_EL2
	MPAMHCR_EL2
	MPAMVPM0_EL2
	MPAMVPM1_EL2
	MPAMVPM2_EL2
	MPAMVPM3_EL2
	MPAMVPM4_EL2
	MPAMVPM5_EL2
	MPAMVPM6_EL2
	MPAMVPM7_EL2
	MPAMVPMV_EL2

	// Identification registers consulted by the feature gates.
	ID_AA64PFR0_EL1
	ID_AA64PFR1_EL1
	ID_AA64DFR0_EL1
	ID_AA64MMFR0_EL1
	ID_AA64MMFR1_EL1
	ID_AA64MMFR2_EL1
	ID_AA64MMFR3_EL1

	// PSTATE.SP view.
	SPSel

	registerCount
)

// Encoding is the MRS/MSR operand encoding of a system register.
type Encoding struct {
	Op0, Op1, CRn, CRm, Op2 uint8
}

func (e Encoding) String() string {
	return fmt.Sprintf("S%d_%d_C%d_C%d_%d", e.Op0, e.Op1, e.CRn, e.CRm, e.Op2)
}

type info struct {
	name string
	enc  Encoding
}

func enc(op0, op1, crn, crm, op2 uint8) Encoding {
	return Encoding{Op0: op0, Op1: op1, CRn: crn, CRm: crm, Op2: op2}
}

var registers = [registerCount]info{
	ACTLR_EL2:    {"ACTLR_EL2", enc(3, 4, 1, 0, 1)},
	AFSR0_EL2:    {"AFSR0_EL2", enc(3, 4, 5, 1, 0)},
	AFSR1_EL2:    {"AFSR1_EL2", enc(3, 4, 5, 1, 1)},
	AMAIR_EL2:    {"AMAIR_EL2", enc(3, 4, 10, 3, 0)},
	CNTHCTL_EL2:  {"CNTHCTL_EL2", enc(3, 4, 14, 1, 0)},
	CNTVOFF_EL2:  {"CNTVOFF_EL2", enc(3, 4, 14, 0, 3)},
	CPTR_EL2:     {"CPTR_EL2", enc(3, 4, 1, 1, 2)},
	DBGVCR32_EL2: {"DBGVCR32_EL2", enc(2, 4, 0, 7, 0)},
	ELR_EL2:      {"ELR_EL2", enc(3, 4, 4, 0, 1)},
	ESR_EL2:      {"ESR_EL2", enc(3, 4, 5, 2, 0)},
	FAR_EL2:      {"FAR_EL2", enc(3, 4, 6, 0, 0)},
	HACR_EL2:     {"HACR_EL2", enc(3, 4, 1, 1, 7)},
	HCR_EL2:      {"HCR_EL2", enc(3, 4, 1, 1, 0)},
	HPFAR_EL2:    {"HPFAR_EL2", enc(3, 4, 6, 0, 4)},
	HSTR_EL2:     {"HSTR_EL2", enc(3, 4, 1, 1, 3)},
	ICC_SRE_EL2:  {"ICC_SRE_EL2", enc(3, 4, 12, 9, 5)},
	ICH_HCR_EL2:  {"ICH_HCR_EL2", enc(3, 4, 12, 11, 0)},
	ICH_VMCR_EL2: {"ICH_VMCR_EL2", enc(3, 4, 12, 11, 7)},
	MAIR_EL2:     {"MAIR_EL2", enc(3, 4, 10, 2, 0)},
	MDCR_EL2:     {"MDCR_EL2", enc(3, 4, 1, 1, 1)},
	PMSCR_EL2:    {"PMSCR_EL2", enc(3, 4, 9, 9, 0)},
	SCTLR_EL2:    {"SCTLR_EL2", enc(3, 4, 1, 0, 0)},
	SPSR_EL2:     {"SPSR_EL2", enc(3, 4, 4, 0, 0)},
	SP_EL2:       {"SP_EL2", enc(3, 6, 4, 1, 0)},
	TCR_EL2:      {"TCR_EL2", enc(3, 4, 2, 0, 2)},
	TPIDR_EL2:    {"TPIDR_EL2", enc(3, 4, 13, 0, 2)},
	TTBR0_EL2:    {"TTBR0_EL2", enc(3, 4, 2, 0, 0)},
	VBAR_EL2:     {"VBAR_EL2", enc(3, 4, 12, 0, 0)},
	VMPIDR_EL2:   {"VMPIDR_EL2", enc(3, 4, 0, 0, 5)},
	VPIDR_EL2:    {"VPIDR_EL2", enc(3, 4, 0, 0, 0)},
	VTCR_EL2:     {"VTCR_EL2", enc(3, 4, 2, 1, 2)},
	VTTBR_EL2:    {"VTTBR_EL2", enc(3, 4, 2, 1, 0)},

	TFSR_EL2: {"TFSR_EL2", enc(3, 4, 5, 6, 0)},

	HDFGRTR_EL2: {"HDFGRTR_EL2", enc(3, 4, 3, 1, 4)},
	HAFGRTR_EL2: {"HAFGRTR_EL2", enc(3, 4, 3, 1, 6)},
	HDFGWTR_EL2: {"HDFGWTR_EL2", enc(3, 4, 3, 1, 5)},
	HFGITR_EL2:  {"HFGITR_EL2", enc(3, 4, 1, 1, 6)},
	HFGRTR_EL2:  {"HFGRTR_EL2", enc(3, 4, 1, 1, 4)},
	HFGWTR_EL2:  {"HFGWTR_EL2", enc(3, 4, 1, 1, 5)},

	HDFGRTR2_EL2: {"HDFGRTR2_EL2", enc(3, 4, 3, 1, 0)},
	HDFGWTR2_EL2: {"HDFGWTR2_EL2", enc(3, 4, 3, 1, 1)},
	HFGITR2_EL2:  {"HFGITR2_EL2", enc(3, 4, 3, 1, 7)},
	HFGRTR2_EL2:  {"HFGRTR2_EL2", enc(3, 4, 3, 1, 2)},
	HFGWTR2_EL2:  {"HFGWTR2_EL2", enc(3, 4, 3, 1, 3)},

	CNTPOFF_EL2: {"CNTPOFF_EL2", enc(3, 4, 14, 0, 6)},

	CONTEXTIDR_EL2: {"CONTEXTIDR_EL2", enc(3, 4, 13, 0, 1)},
	TTBR1_EL2:      {"TTBR1_EL2", enc(3, 4, 2, 0, 1)},

	VDISR_EL2: {"VDISR_EL2", enc(3, 4, 12, 1, 1)},
	VSESR_EL2: {"VSESR_EL2", enc(3, 4, 5, 2, 3)},

	VNCR_EL2: {"VNCR_EL2", enc(3, 4, 2, 2, 0)},

	TRFCR_EL2: {"TRFCR_EL2", enc(3, 4, 1, 2, 1)},

	SCXTNUM_EL2: {"SCXTNUM_EL2", enc(3, 4, 13, 0, 7)},

	HCRX_EL2: {"HCRX_EL2", enc(3, 4, 1, 2, 2)},

	TCR2_EL2: {"TCR2_EL2", enc(3, 4, 2, 0, 3)},

	POR_EL2: {"POR_EL2", enc(3, 4, 10, 2, 4)},

	PIRE0_EL2: {"PIRE0_EL2", enc(3, 4, 10, 2, 2)},
	PIR_EL2:   {"PIR_EL2", enc(3, 4, 10, 2, 3)},

	S2PIR_EL2: {"S2PIR_EL2", enc(3, 4, 10, 2, 5)},

	GCSCR_EL2: {"GCSCR_EL2", enc(3, 4, 2, 5, 0)},
	GCSPR_EL2: {"GCSPR_EL2", enc(3, 4, 2, 5, 1)},

	MPAM2_EL2:    {"MPAM2_EL2", enc(3, 4, 10, 5, 0)},
	MPAMHCR_EL2:  {"MPAMHCR_EL2", enc(3, 4, 10, 4, 0)},
	MPAMVPM0_EL2: {"MPAMVPM0_EL2", enc(3, 4, 10, 6, 0)},
	MPAMVPM1_EL2: {"MPAMVPM1_EL2", enc(3, 4, 10, 6, 1)},
	MPAMVPM2_EL2: {"MPAMVPM2_EL2", enc(3, 4, 10, 6, 2)},
	MPAMVPM3_EL2: {"MPAMVPM3_EL2", enc(3, 4, 10, 6, 3)},
	MPAMVPM4_EL2: {"MPAMVPM4_EL2", enc(3, 4, 10, 6, 4)},
	MPAMVPM5_EL2: {"MPAMVPM5_EL2", enc(3, 4, 10, 6, 5)},
	MPAMVPM6_EL2: {"MPAMVPM6_EL2", enc(3, 4, 10, 6, 6)},
	MPAMVPM7_EL2: {"MPAMVPM7_EL2", enc(3, 4, 10, 6, 7)},
	MPAMVPMV_EL2: {"MPAMVPMV_EL2", enc(3, 4, 10, 4, 1)},

	ID_AA64PFR0_EL1:  {"ID_AA64PFR0_EL1", enc(3, 0, 0, 4, 0)},
	ID_AA64PFR1_EL1:  {"ID_AA64PFR1_EL1", enc(3, 0, 0, 4, 1)},
	ID_AA64DFR0_EL1:  {"ID_AA64DFR0_EL1", enc(3, 0, 0, 5, 0)},
	ID_AA64MMFR0_EL1: {"ID_AA64MMFR0_EL1", enc(3, 0, 0, 7, 0)},
	ID_AA64MMFR1_EL1: {"ID_AA64MMFR1_EL1", enc(3, 0, 0, 7, 1)},
	ID_AA64MMFR2_EL1: {"ID_AA64MMFR2_EL1", enc(3, 0, 0, 7, 2)},
	ID_AA64MMFR3_EL1: {"ID_AA64MMFR3_EL1", enc(3, 0, 0, 7, 3)},

	SPSel: {"SPSel", enc(3, 0, 4, 2, 0)},
}

var byName = func() map[string]Register {
	m := make(map[string]Register, registerCount)
	for r := Register(1); r < registerCount; r++ {
		m[strings.ToUpper(registers[r].name)] = r
	}
	return m
}()

// Valid reports whether r names a catalogued register.
func (r Register) Valid() bool {
	return r > RegisterInvalid && r < registerCount
}

func (r Register) String() string {
	if !r.Valid() {
		return fmt.Sprintf("Register(%d)", uint16(r))
	}
	return registers[r].name
}

// Encoding returns the MRS/MSR encoding of r. The zero Encoding is returned
// for invalid registers.
func (r Register) Encoding() Encoding {
	if !r.Valid() {
		return Encoding{}
	}
	return registers[r].enc
}

// Lookup resolves an architectural register name, case-insensitively.
func Lookup(name string) (Register, error) {
	r, ok := byName[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return RegisterInvalid, fmt.Errorf("sysreg: %q: %w", name, ErrUnknownRegister)
	}
	return r, nil
}

// All returns every catalogued register in declaration order.
func All() []Register {
	out := make([]Register, 0, registerCount-1)
	for r := Register(1); r < registerCount; r++ {
		out = append(out, r)
	}
	return out
}

// Accessor reads and writes system registers of one logical CPU.
//
// ReadSysReg must not have side effects. WriteSysReg may have architectural
// side effects; callers that need a context synchronization event after a
// write are responsible for it.
type Accessor interface {
	ReadSysReg(r Register) (uint64, error)
	WriteSysReg(r Register, value uint64) error
}

// Pack returns the 16-bit op0:op1:CRn:CRm:op2 form of e, the layout used by
// the KVM ONE_REG sysreg ids.
func (e Encoding) Pack() uint16 {
	return uint16(e.Op0&0x3)<<14 | uint16(e.Op1&0x7)<<11 | uint16(e.CRn&0xf)<<7 |
		uint16(e.CRm&0xf)<<3 | uint16(e.Op2&0x7)
}

// UnpackEncoding is the inverse of Encoding.Pack.
func UnpackEncoding(v uint16) Encoding {
	return Encoding{
		Op0: uint8(v>>14) & 0x3,
		Op1: uint8(v>>11) & 0x7,
		CRn: uint8(v>>7) & 0xf,
		CRm: uint8(v>>3) & 0xf,
		Op2: uint8(v) & 0x7,
	}
}

var byEncoding = func() map[Encoding]Register {
	m := make(map[Encoding]Register, registerCount)
	for r := Register(1); r < registerCount; r++ {
		m[registers[r].enc] = r
	}
	return m
}()

// ByEncoding resolves a register from its MRS/MSR encoding.
func ByEncoding(e Encoding) (Register, error) {
	r, ok := byEncoding[e]
	if !ok {
		return RegisterInvalid, fmt.Errorf("sysreg: %v: %w", e, ErrUnknownRegister)
	}
	return r, nil
}
