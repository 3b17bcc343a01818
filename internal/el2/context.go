// Package el2 saves, restores, compares and dumps the EL2 system-register
// context of one CPU.
//
// A Context is owned by the caller. No world switch may happen between a
// Save and the read or compare that consumes it; the engine takes no locks
// and performs no synchronization of its own.
package el2

// CommonRegs are the EL2 registers present on every implementation.
type CommonRegs struct {
	ACTLR    uint64
	AFSR0    uint64
	AFSR1    uint64
	AMAIR    uint64
	CNTHCTL  uint64
	CNTVOFF  uint64
	CPTR     uint64
	DBGVCR32 uint64
	ELR      uint64
	ESR      uint64
	FAR      uint64
	HACR     uint64
	HCR      uint64
	HPFAR    uint64
	HSTR     uint64
	ICCSRE   uint64
	ICHHCR   uint64
	ICHVMCR  uint64
	MAIR     uint64
	MDCR     uint64
	PMSCR    uint64
	SCTLR    uint64
	SPSR     uint64

	// SP is captured only while SP_EL2 is the selected stack pointer.
	SP    uint64
	HasSP bool

	TCR    uint64
	TPIDR  uint64
	TTBR0  uint64
	VBAR   uint64
	VMPIDR uint64
	VPIDR  uint64
	VTCR   uint64
	VTTBR  uint64
}

type MTE2Regs struct {
	TFSR uint64
}

type FGTRegs struct {
	HDFGRTR uint64

	// HAFGRTR additionally requires AMUv1.
	HAFGRTR    uint64
	HasHAFGRTR bool

	HDFGWTR uint64
	HFGITR  uint64
	HFGRTR  uint64
	HFGWTR  uint64
}

type FGT2Regs struct {
	HDFGRTR2 uint64
	HDFGWTR2 uint64
	HFGITR2  uint64
	HFGRTR2  uint64
	HFGWTR2  uint64
}

type ECVRegs struct {
	CNTPOFF uint64
}

type VHERegs struct {
	CONTEXTIDR uint64
	TTBR1      uint64
}

type RASRegs struct {
	VDISR uint64
	VSESR uint64
}

type NV2Regs struct {
	VNCR uint64
}

type TRFRegs struct {
	TRFCR uint64
}

type CSV2Regs struct {
	SCXTNUM uint64
}

type HCXRegs struct {
	HCRX uint64
}

type TCR2Regs struct {
	TCR2 uint64
}

type SxPOERegs struct {
	POR uint64
}

type SxPIERegs struct {
	PIRE0 uint64
	PIR   uint64
}

type S2PIERegs struct {
	S2PIR uint64
}

type GCSRegs struct {
	GCSCR uint64
	GCSPR uint64
}

// MPAMRegs models the EL2 MPAM registers. Only MPAM2 is ever captured; the
// others raise an exception when accessed and stay zero.
type MPAMRegs struct {
	MPAM2    uint64
	MPAMHCR  uint64
	MPAMVPM  [8]uint64
	MPAMVPMV uint64
}

// Context is a snapshot of EL2 system-register state. A nil extension block
// means the extension was not implemented when the context was saved.
type Context struct {
	Common CommonRegs

	MTE2  *MTE2Regs
	FGT   *FGTRegs
	FGT2  *FGT2Regs
	ECV   *ECVRegs
	VHE   *VHERegs
	RAS   *RASRegs
	NV2   *NV2Regs
	TRF   *TRFRegs
	CSV2  *CSV2Regs
	HCX   *HCXRegs
	TCR2  *TCR2Regs
	SxPOE *SxPOERegs
	SxPIE *SxPIERegs
	S2PIE *S2PIERegs
	GCS   *GCSRegs
	MPAM  *MPAMRegs
}
