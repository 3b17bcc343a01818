// Package kvm exposes the EL2 system registers of a KVM vCPU created with
// nested virtualization, so the context engine can run against a real
// hypervisor.
package kvm

import (
	"errors"
	"fmt"

	"github.com/tinyrange/el2ctx/internal/sysreg"
)

var (
	ErrKVMUnavailable = errors.New("kvm: EL2 vCPUs are not available on this host")
	ErrNoNestedVirt   = errors.New("kvm: host does not support KVM_CAP_ARM_EL2")
)

const (
	kvmRegArm64         uint64 = 0x6000000000000000
	kvmRegSizeU64       uint64 = 0x0030000000000000
	kvmRegArmCoproShift        = 16
	kvmRegArmCore       uint64 = 0x0010 << kvmRegArmCoproShift
	kvmRegArm64SysReg   uint64 = 0x0013 << kvmRegArmCoproShift

	kvmRegArm64SysRegOp0Mask  uint64 = 0x000000000000c000
	kvmRegArm64SysRegOp0Shift        = 14
	kvmRegArm64SysRegOp1Mask  uint64 = 0x0000000000003800
	kvmRegArm64SysRegOp1Shift        = 11
	kvmRegArm64SysRegCrnMask  uint64 = 0x0000000000000780
	kvmRegArm64SysRegCrnShift        = 7
	kvmRegArm64SysRegCrmMask  uint64 = 0x0000000000000078
	kvmRegArm64SysRegCrmShift        = 3
	kvmRegArm64SysRegOp2Mask  uint64 = 0x0000000000000007
	kvmRegArm64SysRegOp2Shift        = 0

	// Offset of regs.pstate in struct kvm_regs: 31 GPRs, sp, pc.
	kvmRegsPstateOffset = 33 * 8

	pstateSP uint64 = 1
)

func arm64SysReg(op0, op1, crn, crm, op2 uint64) uint64 {
	return kvmRegArm64 | kvmRegSizeU64 | kvmRegArm64SysReg |
		((op0 << kvmRegArm64SysRegOp0Shift) & kvmRegArm64SysRegOp0Mask) |
		((op1 << kvmRegArm64SysRegOp1Shift) & kvmRegArm64SysRegOp1Mask) |
		((crn << kvmRegArm64SysRegCrnShift) & kvmRegArm64SysRegCrnMask) |
		((crm << kvmRegArm64SysRegCrmShift) & kvmRegArm64SysRegCrmMask) |
		((op2 << kvmRegArm64SysRegOp2Shift) & kvmRegArm64SysRegOp2Mask)
}

func arm64CoreRegister(offsetBytes uintptr) uint64 {
	return kvmRegArm64 | kvmRegSizeU64 | kvmRegArmCore | uint64(offsetBytes/4)
}

// oneRegID returns the KVM_{GET,SET}_ONE_REG id of r. SPSel has no id of
// its own; it lives in PSTATE.
func oneRegID(r sysreg.Register) (uint64, bool) {
	if !r.Valid() || r == sysreg.SPSel {
		return 0, false
	}
	e := r.Encoding()
	return arm64SysReg(uint64(e.Op0), uint64(e.Op1), uint64(e.CRn), uint64(e.CRm), uint64(e.Op2)), true
}

// checkCapArmEL2 interprets the KVM_CHECK_EXTENSION(KVM_CAP_ARM_EL2) result.
func checkCapArmEL2(ok uintptr, err error) error {
	if err != nil {
		return fmt.Errorf("check KVM_CAP_ARM_EL2: %w", err)
	}
	if ok == 0 {
		return ErrNoNestedVirt
	}
	return nil
}
