// Package sim provides a software CPU and firmware that stand in for real
// hardware when exercising the context engine.
package sim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/el2ctx/internal/feature"
	"github.com/tinyrange/el2ctx/internal/sysreg"
)

var (
	// ErrUndefined mimics the UNDEFINED exception taken when a register of an
	// unimplemented extension is accessed.
	ErrUndefined = errors.New("undefined instruction")
	ErrReadOnly  = errors.New("register is read-only")
)

// requires lists the extensions that must be implemented for a register to
// exist. Registers not listed are always implemented.
var requires = map[sysreg.Register][]feature.Extension{
	sysreg.TFSR_EL2: {feature.MTE2},

	sysreg.HDFGRTR_EL2: {feature.FGT},
	sysreg.HAFGRTR_EL2: {feature.FGT, feature.AMUv1},
	sysreg.HDFGWTR_EL2: {feature.FGT},
	sysreg.HFGITR_EL2:  {feature.FGT},
	sysreg.HFGRTR_EL2:  {feature.FGT},
	sysreg.HFGWTR_EL2:  {feature.FGT},

	sysreg.HDFGRTR2_EL2: {feature.FGT2},
	sysreg.HDFGWTR2_EL2: {feature.FGT2},
	sysreg.HFGITR2_EL2:  {feature.FGT2},
	sysreg.HFGRTR2_EL2:  {feature.FGT2},
	sysreg.HFGWTR2_EL2:  {feature.FGT2},

	sysreg.CNTPOFF_EL2:    {feature.ECV},
	sysreg.CONTEXTIDR_EL2: {feature.VHE},
	sysreg.TTBR1_EL2:      {feature.VHE},
	sysreg.VDISR_EL2:      {feature.RAS},
	sysreg.VSESR_EL2:      {feature.RAS},
	sysreg.VNCR_EL2:       {feature.NV2},
	sysreg.TRFCR_EL2:      {feature.TRF},
	sysreg.SCXTNUM_EL2:    {feature.CSV2},
	sysreg.HCRX_EL2:       {feature.HCX},
	sysreg.TCR2_EL2:       {feature.TCR2},
	sysreg.POR_EL2:        {feature.SxPOE},
	sysreg.PIRE0_EL2:      {feature.SxPIE},
	sysreg.PIR_EL2:        {feature.SxPIE},
	sysreg.S2PIR_EL2:      {feature.S2PIE},
	sysreg.GCSCR_EL2:      {feature.GCS},
	sysreg.GCSPR_EL2:      {feature.GCS},

	sysreg.MPAM2_EL2:    {feature.MPAM},
	sysreg.MPAMHCR_EL2:  {feature.MPAM},
	sysreg.MPAMVPM0_EL2: {feature.MPAM},
	sysreg.MPAMVPM1_EL2: {feature.MPAM},
	sysreg.MPAMVPM2_EL2: {feature.MPAM},
	sysreg.MPAMVPM3_EL2: {feature.MPAM},
	sysreg.MPAMVPM4_EL2: {feature.MPAM},
	sysreg.MPAMVPM5_EL2: {feature.MPAM},
	sysreg.MPAMVPM6_EL2: {feature.MPAM},
	sysreg.MPAMVPM7_EL2: {feature.MPAM},
	sysreg.MPAMVPMV_EL2: {feature.MPAM},
}

func isIDRegister(r sysreg.Register) bool {
	return r >= sysreg.ID_AA64PFR0_EL1 && r <= sysreg.ID_AA64MMFR3_EL1
}

// Access is one entry of the CPU's access trace.
type Access struct {
	Register sysreg.Register
	Write    bool
	Value    uint64
}

func (a Access) String() string {
	op := "read"
	if a.Write {
		op = "write"
	}
	return fmt.Sprintf("%s %s 0x%x", op, a.Register, a.Value)
}

// TrapFunc is called for every write to a trapped register, after the write
// has landed.
type TrapFunc func(reg sysreg.Register, value uint64)

// CPU is a register file that behaves like one PE running at EL2.
type CPU struct {
	mu sync.Mutex

	ids      feature.IDRegisters
	present  feature.Set
	regs     map[sysreg.Register]uint64
	writable map[sysreg.Register]uint64
	traps    map[sysreg.Register]TrapFunc
	lenient  bool
	tracing  bool
	trace    []Access
}

type CPUOption func(*CPU)

// WithIDRegisters overrides synthesized ID register values.
func WithIDRegisters(ids feature.IDRegisters) CPUOption {
	return func(c *CPU) {
		for r, v := range ids {
			c.ids[r] = v
		}
	}
}

// WithWritable restricts the bits of reg that writes can change. Other bits
// read back as whatever they held before, which models RES0 and RES1 fields.
func WithWritable(reg sysreg.Register, mask uint64) CPUOption {
	return func(c *CPU) { c.writable[reg] = mask }
}

// WithValue presets a register.
func WithValue(reg sysreg.Register, v uint64) CPUOption {
	return func(c *CPU) { c.regs[reg] = v }
}

// WithSPSel selects SP_EL2 (1) or SP_EL0 (0) as the current stack pointer.
func WithSPSel(v uint64) CPUOption {
	return func(c *CPU) { c.regs[sysreg.SPSel] = v & 1 }
}

// Lenient makes accesses to unimplemented registers succeed.
func Lenient() CPUOption {
	return func(c *CPU) { c.lenient = true }
}

// WithTrace records every access.
func WithTrace() CPUOption {
	return func(c *CPU) { c.tracing = true }
}

// NewCPU returns a CPU implementing the extensions in exts. Every register
// starts with a distinct non-zero value so that lost or swapped registers
// show up in comparisons. SPSel defaults to 1.
func NewCPU(exts feature.Set, opts ...CPUOption) *CPU {
	c := &CPU{
		ids:      feature.Synthesize(exts),
		regs:     make(map[sysreg.Register]uint64),
		writable: make(map[sysreg.Register]uint64),
		traps:    make(map[sysreg.Register]TrapFunc),
	}
	for _, r := range sysreg.All() {
		if isIDRegister(r) {
			continue
		}
		c.regs[r] = seed(r)
	}
	c.regs[sysreg.SPSel] = sysreg.SPSelELx

	for _, opt := range opts {
		opt(c)
	}

	// The implemented set follows the ID registers, exactly as software
	// running on the CPU would see it.
	present, err := feature.Probe(feature.NewDetector(idView(c.ids)))
	if err != nil {
		panic(fmt.Sprintf("sim: probe synthesized ID registers: %v", err))
	}
	c.present = present
	return c
}

func seed(r sysreg.Register) uint64 {
	return 0x5a5a_0000_0000_0000 | uint64(r)<<16 | uint64(r)
}

// Extensions reports the extensions the CPU implements.
func (c *CPU) Extensions() feature.Set {
	out := make(feature.Set, len(c.present))
	for e, ok := range c.present {
		out[e] = ok
	}
	return out
}

// Implemented reports whether reg exists on this CPU.
func (c *CPU) Implemented(reg sysreg.Register) bool {
	if !reg.Valid() {
		return false
	}
	for _, e := range requires[reg] {
		if !c.present[e] {
			return false
		}
	}
	return true
}

func (c *CPU) check(reg sysreg.Register) error {
	if !reg.Valid() {
		return fmt.Errorf("sim: %w: %d", sysreg.ErrUnknownRegister, uint16(reg))
	}
	if !c.lenient && !c.Implemented(reg) {
		return fmt.Errorf("sim: access %s: %w", reg, ErrUndefined)
	}
	return nil
}

// ReadSysReg implements sysreg.Accessor.
func (c *CPU) ReadSysReg(reg sysreg.Register) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check(reg); err != nil {
		return 0, err
	}
	var v uint64
	if isIDRegister(reg) {
		v = c.ids[reg]
	} else {
		v = c.regs[reg]
	}
	if c.tracing {
		c.trace = append(c.trace, Access{Register: reg, Value: v})
	}
	return v, nil
}

// WriteSysReg implements sysreg.Accessor.
func (c *CPU) WriteSysReg(reg sysreg.Register, v uint64) error {
	c.mu.Lock()
	if err := c.check(reg); err != nil {
		c.mu.Unlock()
		return err
	}
	if isIDRegister(reg) {
		c.mu.Unlock()
		return fmt.Errorf("sim: write %s: %w", reg, ErrReadOnly)
	}
	if reg == sysreg.SPSel {
		v &= 1
	}
	c.store(reg, v)
	if c.tracing {
		c.trace = append(c.trace, Access{Register: reg, Write: true, Value: v})
	}
	trap := c.traps[reg]
	landed := c.regs[reg]
	c.mu.Unlock()

	if trap != nil {
		trap(reg, landed)
	}
	return nil
}

func (c *CPU) store(reg sysreg.Register, v uint64) {
	if mask, ok := c.writable[reg]; ok {
		v = c.regs[reg]&^mask | v&mask
	}
	c.regs[reg] = v
}

// Trap installs fn to run on every write to reg. A nil fn removes the trap.
func (c *CPU) Trap(reg sysreg.Register, fn TrapFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil {
		delete(c.traps, reg)
		return
	}
	c.traps[reg] = fn
}

// Peek returns the current value of reg without recording an access or
// checking whether it is implemented.
func (c *CPU) Peek(reg sysreg.Register) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if isIDRegister(reg) {
		return c.ids[reg]
	}
	return c.regs[reg]
}

// Poke sets reg behind the accessor's back, the way another exception level
// would. Writable masks apply, traps do not fire.
func (c *CPU) Poke(reg sysreg.Register, v uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(reg, v)
}

// Trace returns a copy of the recorded accesses.
func (c *CPU) Trace() []Access {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Access(nil), c.trace...)
}

func (c *CPU) ResetTrace() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trace = c.trace[:0]
}

// idView exposes ID registers alone as an accessor.
type idView feature.IDRegisters

func (v idView) ReadSysReg(reg sysreg.Register) (uint64, error) {
	if !isIDRegister(reg) {
		return 0, fmt.Errorf("sim: %s is not an ID register", reg)
	}
	return v[reg], nil
}

func (v idView) WriteSysReg(reg sysreg.Register, _ uint64) error {
	return fmt.Errorf("sim: write %s: %w", reg, ErrReadOnly)
}

var _ sysreg.Accessor = (*CPU)(nil)
