package sim

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/el2ctx/internal/feature"
	"github.com/tinyrange/el2ctx/internal/smc"
	"github.com/tinyrange/el2ctx/internal/sysreg"
)

func TestCPUExtensionsFollowIDRegisters(t *testing.T) {
	cpu := NewCPU(feature.NewSet(feature.FGT2, feature.MPAM))
	want := feature.NewSet(feature.FGT, feature.FGT2, feature.MPAM)
	if diff := cmp.Diff(want, cpu.Extensions()); diff != "" {
		t.Fatalf("extensions mismatch (-want +got):\n%s", diff)
	}
}

func TestCPUUndefinedRegisters(t *testing.T) {
	cpu := NewCPU(feature.NewSet(feature.FGT))

	if _, err := cpu.ReadSysReg(sysreg.HDFGRTR_EL2); err != nil {
		t.Fatalf("read HDFGRTR_EL2: %v", err)
	}
	if _, err := cpu.ReadSysReg(sysreg.HAFGRTR_EL2); !errors.Is(err, ErrUndefined) {
		t.Fatalf("read HAFGRTR_EL2 without AMUv1: %v", err)
	}
	if err := cpu.WriteSysReg(sysreg.TFSR_EL2, 1); !errors.Is(err, ErrUndefined) {
		t.Fatalf("write TFSR_EL2 without MTE2: %v", err)
	}

	lenient := NewCPU(nil, Lenient())
	if _, err := lenient.ReadSysReg(sysreg.TFSR_EL2); err != nil {
		t.Fatalf("lenient read: %v", err)
	}
}

func TestCPUIDRegistersReadOnly(t *testing.T) {
	cpu := NewCPU(nil)
	if err := cpu.WriteSysReg(sysreg.ID_AA64PFR0_EL1, 1); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
}

func TestCPUWritableMask(t *testing.T) {
	cpu := NewCPU(nil, WithValue(sysreg.HCR_EL2, 0xf0), WithWritable(sysreg.HCR_EL2, 0x0f))
	if err := cpu.WriteSysReg(sysreg.HCR_EL2, 0xff0f); err != nil {
		t.Fatal(err)
	}
	if got := cpu.Peek(sysreg.HCR_EL2); got != 0xff {
		t.Fatalf("HCR_EL2 = %#x, want 0xff", got)
	}
}

func TestCPUTrapsAndTrace(t *testing.T) {
	cpu := NewCPU(nil, WithTrace())
	var fired []uint64
	cpu.Trap(sysreg.VBAR_EL2, func(_ sysreg.Register, v uint64) { fired = append(fired, v) })

	if err := cpu.WriteSysReg(sysreg.VBAR_EL2, 0x800); err != nil {
		t.Fatal(err)
	}
	if _, err := cpu.ReadSysReg(sysreg.VBAR_EL2); err != nil {
		t.Fatal(err)
	}
	cpu.Poke(sysreg.VBAR_EL2, 0x1000)

	if diff := cmp.Diff([]uint64{0x800}, fired); diff != "" {
		t.Fatalf("trap mismatch (-want +got):\n%s", diff)
	}
	want := []Access{
		{Register: sysreg.VBAR_EL2, Write: true, Value: 0x800},
		{Register: sysreg.VBAR_EL2, Value: 0x800},
	}
	if diff := cmp.Diff(want, cpu.Trace()); diff != "" {
		t.Fatalf("trace mismatch (-want +got):\n%s", diff)
	}

	cpu.Trap(sysreg.VBAR_EL2, nil)
	cpu.ResetTrace()
	if err := cpu.WriteSysReg(sysreg.VBAR_EL2, 0); err != nil {
		t.Fatal(err)
	}
	if len(fired) != 1 {
		t.Fatalf("removed trap fired")
	}
}

func TestCPUSPSel(t *testing.T) {
	cpu := NewCPU(nil, WithSPSel(0))
	v, err := cpu.ReadSysReg(sysreg.SPSel)
	if err != nil {
		t.Fatal(err)
	}
	if v != sysreg.SPSelEL0 {
		t.Fatalf("SPSel = %d", v)
	}
	if err := cpu.WriteSysReg(sysreg.SPSel, 3); err != nil {
		t.Fatal(err)
	}
	if got := cpu.Peek(sysreg.SPSel); got != sysreg.SPSelELx {
		t.Fatalf("SPSel = %d after write", got)
	}
}

func TestFirmwareVersions(t *testing.T) {
	fw := NewFirmware(NewCPU(nil))
	ctx := context.Background()

	res, err := fw.Call(ctx, smc.Args{FID: smc.SMCCCVersion})
	if err != nil {
		t.Fatal(err)
	}
	if res.X[0] != uint64(smc.MakeVersion(1, 2)) {
		t.Fatalf("SMCCC version = %#x", res.X[0])
	}

	res, err = fw.Call(ctx, smc.Args{FID: smc.Make(smc.TypeFast, smc.SMC32, smc.OENSIP, 7)})
	if err != nil {
		t.Fatal(err)
	}
	if res.X[0] != smc.SMCUnknown {
		t.Fatalf("unknown FID returned %#x", res.X[0])
	}
	if fw.Calls() != 2 {
		t.Fatalf("Calls = %d", fw.Calls())
	}
}

func TestFirmwareTSP(t *testing.T) {
	fw := NewFirmware(NewCPU(nil))
	res, err := fw.Call(context.Background(), smc.Args{FID: smc.TSPFast(smc.TSPAdd), X: [17]uint64{4, 6}})
	if err != nil {
		t.Fatal(err)
	}
	if res.X[0] != 0 || res.X[1] != 8 || res.X[2] != 12 {
		t.Fatalf("TSP add = %v", res.X[:3])
	}

	fw = NewFirmware(NewCPU(nil), WithoutTSP())
	res, err = fw.Call(context.Background(), smc.Args{FID: smc.TSPFast(smc.TSPAdd)})
	if err != nil {
		t.Fatal(err)
	}
	if res.X[0] != smc.SMCUnknown {
		t.Fatalf("TSP answered without payload: %#x", res.X[0])
	}
}

func TestFirmwareLeaks(t *testing.T) {
	cpu := NewCPU(feature.NewSet(feature.VHE))
	fw := NewFirmware(cpu,
		WithLeak(sysreg.TPIDR_EL2, 0xdead),
		WithLeak(sysreg.TFSR_EL2, 0xbeef),
	)
	before := cpu.Peek(sysreg.TFSR_EL2)

	if _, err := fw.Call(context.Background(), smc.Args{FID: smc.PSCIVersion}); err != nil {
		t.Fatal(err)
	}
	if got := cpu.Peek(sysreg.TPIDR_EL2); got != 0xdead {
		t.Fatalf("TPIDR_EL2 = %#x, want leaked value", got)
	}
	if got := cpu.Peek(sysreg.TFSR_EL2); got != before {
		t.Fatalf("unimplemented TFSR_EL2 changed to %#x", got)
	}
}

func TestFirmwareHonoursContext(t *testing.T) {
	fw := NewFirmware(NewCPU(nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := fw.Call(ctx, smc.Args{FID: smc.PSCIVersion}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if fw.Calls() != 0 {
		t.Fatal("cancelled call counted")
	}
}
