package sim

import (
	"context"
	"sync"

	"github.com/tinyrange/el2ctx/internal/smc"
	"github.com/tinyrange/el2ctx/internal/sysreg"
)

// Firmware is an EL3 stand-in. Each call is a world switch: the secure side
// runs, then control returns to the caller's CPU. Registers registered with
// Leak are left holding secure-world values afterwards.
type Firmware struct {
	cpu *CPU

	mu     sync.Mutex
	leaks  map[sysreg.Register]uint64
	calls  int
	smccc  uint32
	psci   uint32
	hasTSP bool
}

type FirmwareOption func(*Firmware)

// WithLeak makes every world switch leave v in reg.
func WithLeak(reg sysreg.Register, v uint64) FirmwareOption {
	return func(f *Firmware) { f.leaks[reg] = v }
}

// WithoutTSP removes the test secure payload; its calls return SMCUnknown.
func WithoutTSP() FirmwareOption {
	return func(f *Firmware) { f.hasTSP = false }
}

func NewFirmware(cpu *CPU, opts ...FirmwareOption) *Firmware {
	f := &Firmware{
		cpu:    cpu,
		leaks:  make(map[sysreg.Register]uint64),
		smccc:  smc.MakeVersion(1, 2),
		psci:   smc.MakeVersion(1, 1),
		hasTSP: true,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Calls returns the number of SMCs handled.
func (f *Firmware) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// HasTSP reports whether the test secure payload answers calls.
func (f *Firmware) HasTSP() bool { return f.hasTSP }

// Call implements smc.Conduit.
func (f *Firmware) Call(ctx context.Context, args smc.Args) (smc.Result, error) {
	if err := ctx.Err(); err != nil {
		return smc.Result{}, err
	}

	f.mu.Lock()
	f.calls++
	leaks := make(map[sysreg.Register]uint64, len(f.leaks))
	for r, v := range f.leaks {
		leaks[r] = v
	}
	f.mu.Unlock()

	var res smc.Result
	switch {
	case args.FID == smc.SMCCCVersion:
		res.X[0] = uint64(f.smccc)
	case args.FID == smc.PSCIVersion:
		res.X[0] = uint64(f.psci)
	case f.hasTSP && args.FID.OEN() == smc.OENTrustedOSLo:
		res = f.tsp(args)
	default:
		res.X[0] = smc.SMCUnknown
		return res, nil
	}

	for r, v := range leaks {
		if f.cpu.Implemented(r) {
			f.cpu.Poke(r, v)
		}
	}
	return res, nil
}

// tsp performs the arithmetic services. Each of X1 and X2 is combined with
// itself and returned in place.
func (f *Firmware) tsp(args smc.Args) smc.Result {
	var res smc.Result
	a, b := args.X[0], args.X[1]
	op := func(x uint64) (uint64, bool) {
		switch args.FID.Num() {
		case smc.TSPAdd:
			return x + x, true
		case smc.TSPSub:
			return x - x, true
		case smc.TSPMul:
			return x * x, true
		case smc.TSPDiv:
			if x == 0 {
				return 0, true
			}
			return x / x, true
		}
		return 0, false
	}
	ra, ok := op(a)
	if !ok {
		res.X[0] = smc.SMCUnknown
		return res
	}
	rb, _ := op(b)
	res.X[1], res.X[2] = ra, rb
	return res
}

var _ smc.Conduit = (*Firmware)(nil)
