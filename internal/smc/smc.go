// Package smc models the SMC calling convention used to enter a world switch.
package smc

import (
	"context"
	"fmt"
)

// FunctionID is an SMCCC function identifier.
type FunctionID uint32

const (
	typeShift = 31
	ccShift   = 30
	oenShift  = 24
	numShift  = 0

	typeMask = 0x1
	ccMask   = 0x1
	oenMask  = 0x3f
	numMask  = 0xffff
)

const (
	TypeStd  = 0
	TypeFast = 1

	SMC32 = 0
	SMC64 = 1
)

// Owning entity numbers.
const (
	OENArm          = 0
	OENCPU          = 1
	OENSIP          = 2
	OENOEM          = 3
	OENStd          = 4
	OENStdHyp       = 5
	OENVendorHyp    = 6
	OENTrustedAppLo = 48
	OENTrustedAppHi = 49
	OENTrustedOSLo  = 50
	OENTrustedOSHi  = 63
)

// SMCUnknown is returned in X0 for function IDs nobody implements.
const SMCUnknown = ^uint64(0)

const (
	SMCCCVersion FunctionID = 0x80000000
	PSCIVersion  FunctionID = 0x84000000
)

// Test secure payload operations.
const (
	TSPAdd = 0x2000
	TSPSub = 0x2001
	TSPMul = 0x2002
	TSPDiv = 0x2003

	tspOEN = 0x72000000
)

// Make builds a function ID from its fields. Out-of-range fields are truncated.
func Make(typ, cc, oen, num uint32) FunctionID {
	return FunctionID((typ&typeMask)<<typeShift |
		(cc&ccMask)<<ccShift |
		(oen&oenMask)<<oenShift |
		(num&numMask)<<numShift)
}

func TSPFast(op uint32) FunctionID { return FunctionID(op | tspOEN | 1<<typeShift) }
func TSPStd(op uint32) FunctionID  { return FunctionID(op | tspOEN) }

func (f FunctionID) Type() uint32 { return uint32(f) >> typeShift & typeMask }
func (f FunctionID) CC() uint32   { return uint32(f) >> ccShift & ccMask }
func (f FunctionID) OEN() uint32  { return uint32(f) >> oenShift & oenMask }
func (f FunctionID) Num() uint32  { return uint32(f) >> numShift & numMask }

func (f FunctionID) Fast() bool { return f.Type() == TypeFast }

func (f FunctionID) String() string {
	kind := "std"
	if f.Fast() {
		kind = "fast"
	}
	width := 32
	if f.CC() == SMC64 {
		width = 64
	}
	return fmt.Sprintf("%#08x(%s%d oen=%d num=%#x)", uint32(f), kind, width, f.OEN(), f.Num())
}

// MakeVersion packs an SMCCC version as returned by SMCCC_VERSION.
func MakeVersion(major, minor uint32) uint32 {
	return (major&0x7fff)<<16 | minor&0xffff
}

// SplitVersion is the inverse of MakeVersion.
func SplitVersion(v uint32) (major, minor uint32) {
	return v >> 16 & 0x7fff, v & 0xffff
}

// Args are the registers passed to an SMC: the function ID in W0 and X1..X17.
type Args struct {
	FID FunctionID
	X   [17]uint64
}

// Result holds X0..X17 on return.
type Result struct {
	X [18]uint64
}

// Conduit issues SMCs. Implementations may perform a world switch.
type Conduit interface {
	Call(ctx context.Context, args Args) (Result, error)
}
