//go:build !(linux && arm64)

package kvm

import "github.com/tinyrange/el2ctx/internal/sysreg"

// VCPU is unavailable on this platform.
type VCPU struct{}

func Open() (*VCPU, error) {
	return nil, ErrKVMUnavailable
}

func (*VCPU) Close() error { return nil }

func (*VCPU) ReadSysReg(sysreg.Register) (uint64, error) {
	return 0, ErrKVMUnavailable
}

func (*VCPU) WriteSysReg(sysreg.Register, uint64) error {
	return ErrKVMUnavailable
}

var _ sysreg.Accessor = (*VCPU)(nil)
