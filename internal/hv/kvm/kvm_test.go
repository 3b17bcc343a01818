package kvm

import (
	"errors"
	"syscall"
	"testing"

	"github.com/tinyrange/el2ctx/internal/sysreg"
)

func TestOneRegIDs(t *testing.T) {
	tests := []struct {
		reg  sysreg.Register
		want uint64
	}{
		{sysreg.SCTLR_EL2, 0x603000000013e080},
		{sysreg.HCR_EL2, 0x603000000013e088},
		{sysreg.SP_EL2, 0x603000000013f208},
		{sysreg.ID_AA64MMFR0_EL1, 0x603000000013c038},
	}
	for _, tt := range tests {
		got, ok := oneRegID(tt.reg)
		if !ok || got != tt.want {
			t.Errorf("oneRegID(%v) = %#x, %v; want %#x", tt.reg, got, ok, tt.want)
		}
	}
	if _, ok := oneRegID(sysreg.SPSel); ok {
		t.Error("SPSel has a ONE_REG id")
	}
}

func TestCheckCapArmEL2(t *testing.T) {
	if err := checkCapArmEL2(1, nil); err != nil {
		t.Fatalf("supported: %v", err)
	}
	if err := checkCapArmEL2(0, nil); !errors.Is(err, ErrNoNestedVirt) {
		t.Fatalf("unsupported: %v", err)
	}
	err := checkCapArmEL2(0, syscall.EBADF)
	if !errors.Is(err, syscall.EBADF) || errors.Is(err, ErrNoNestedVirt) {
		t.Fatalf("ioctl failure: %v", err)
	}
}

func TestPstateID(t *testing.T) {
	if got := arm64CoreRegister(kvmRegsPstateOffset); got != 0x6030000000100042 {
		t.Fatalf("pstate id = %#x", got)
	}
}

func TestOpen(t *testing.T) {
	v, err := Open()
	if err != nil {
		t.Skipf("KVM EL2 vCPU not available: %v", err)
	}
	defer v.Close()

	if _, err := v.ReadSysReg(sysreg.SPSel); err != nil {
		t.Fatalf("read SPSel: %v", err)
	}
	sctlr, err := v.ReadSysReg(sysreg.SCTLR_EL2)
	if err != nil {
		t.Fatalf("read SCTLR_EL2: %v", err)
	}
	if err := v.WriteSysReg(sysreg.SCTLR_EL2, sctlr); err != nil {
		t.Fatalf("write SCTLR_EL2: %v", err)
	}
}
