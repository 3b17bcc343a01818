//go:build linux && arm64

package kvm

import (
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/tinyrange/el2ctx/internal/sysreg"
)

const (
	kvmApiVersion = 12

	kvmGetApiVersion      = 0xae00
	kvmCreateVm           = 0xae01
	kvmCheckExtension     = 0xae03
	kvmCreateVcpu         = 0xae41
	kvmGetOneReg          = 0x4010aeab
	kvmSetOneReg          = 0x4010aeac
	kvmArmVcpuInitIoctl   = 0x4020aeae
	kvmArmPreferredTarget = 0x8020aeaf

	kvmCapArmEL2 = 240

	kvmArmVcpuInitFeatureWords = 7
	kvmArmVcpuFeaturePsci02    = 2
	kvmArmVcpuFeatureHasEL2    = 7
)

type kvmVcpuInit struct {
	Target   uint32
	Features [kvmArmVcpuInitFeatureWords]uint32
}

type kvmOneReg struct {
	id   uint64
	addr uint64
}

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, err := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if err != 0 {
		return 0, err
	}
	return v1, nil
}

func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v1, err
	}
}

func getOneReg(vcpuFd int, id uint64, addr unsafe.Pointer) error {
	reg := kvmOneReg{
		id:   id,
		addr: uint64(uintptr(addr)),
	}

	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmGetOneReg), uintptr(unsafe.Pointer(&reg)))
	return err
}

func setOneReg(vcpuFd int, id uint64, addr unsafe.Pointer) error {
	reg := kvmOneReg{
		id:   id,
		addr: uint64(uintptr(addr)),
	}

	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetOneReg), uintptr(unsafe.Pointer(&reg)))
	return err
}

func armPreferredTarget(fd int) (kvmVcpuInit, error) {
	var init kvmVcpuInit

	if _, err := ioctlWithRetry(uintptr(fd), uint64(kvmArmPreferredTarget), uintptr(unsafe.Pointer(&init))); err != nil {
		return kvmVcpuInit{}, err
	}

	return init, nil
}

func armVcpuInit(vcpuFd int, init *kvmVcpuInit) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmArmVcpuInitIoctl), uintptr(unsafe.Pointer(init)))
	return err
}

func enableArmVcpuFeature(init *kvmVcpuInit, feature uint32) {
	word := feature / 32
	bit := feature % 32

	if word >= kvmArmVcpuInitFeatureWords {
		return
	}

	init.Features[word] |= 1 << bit
}

// VCPU is a single vCPU whose guest starts at EL2.
type VCPU struct {
	mu     sync.Mutex
	kvmFd  int
	vmFd   int
	vcpuFd int
	closed bool
}

// Open creates a VM with one EL2-capable vCPU.
func Open() (*VCPU, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w (%w)", err, ErrKVMUnavailable)
	}
	cu := cleanup.Make(func() { unix.Close(fd) })
	defer cu.Clean()

	version, err := ioctlWithRetry(uintptr(fd), kvmGetApiVersion, 0)
	if err != nil {
		return nil, fmt.Errorf("get KVM API version: %w", err)
	}
	if version != kvmApiVersion {
		return nil, fmt.Errorf("kvm: unsupported API version %d, want %d", version, kvmApiVersion)
	}

	if err := checkCapArmEL2(ioctlWithRetry(uintptr(fd), kvmCheckExtension, kvmCapArmEL2)); err != nil {
		return nil, err
	}

	vmFd, err := ioctlWithRetry(uintptr(fd), kvmCreateVm, 0)
	if err != nil {
		return nil, fmt.Errorf("create VM: %w", err)
	}
	cu.Add(func() { unix.Close(int(vmFd)) })

	vcpuFd, err := ioctlWithRetry(vmFd, kvmCreateVcpu, 0)
	if err != nil {
		return nil, fmt.Errorf("create vCPU: %w", err)
	}
	cu.Add(func() { unix.Close(int(vcpuFd)) })

	init, err := armPreferredTarget(int(vmFd))
	if err != nil {
		return nil, fmt.Errorf("getting preferred target: %w", err)
	}
	enableArmVcpuFeature(&init, kvmArmVcpuFeaturePsci02)
	enableArmVcpuFeature(&init, kvmArmVcpuFeatureHasEL2)
	if err := armVcpuInit(int(vcpuFd), &init); err != nil {
		return nil, fmt.Errorf("initializing vCPU: %w", err)
	}

	slog.Debug("kvm: created EL2 vCPU", "vm_fd", vmFd, "vcpu_fd", vcpuFd, "target", init.Target)

	cu.Release()
	return &VCPU{kvmFd: fd, vmFd: int(vmFd), vcpuFd: int(vcpuFd)}, nil
}

func (v *VCPU) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	unix.Close(v.vcpuFd)
	unix.Close(v.vmFd)
	return unix.Close(v.kvmFd)
}

func (v *VCPU) pstateID() uint64 {
	return arm64CoreRegister(kvmRegsPstateOffset)
}

func (v *VCPU) get(id uint64) (uint64, error) {
	var val uint64
	if err := getOneReg(v.vcpuFd, id, unsafe.Pointer(&val)); err != nil {
		return 0, err
	}
	return val, nil
}

func (v *VCPU) set(id uint64, val uint64) error {
	return setOneReg(v.vcpuFd, id, unsafe.Pointer(&val))
}

// ReadSysReg implements sysreg.Accessor.
func (v *VCPU) ReadSysReg(r sysreg.Register) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if r == sysreg.SPSel {
		pstate, err := v.get(v.pstateID())
		if err != nil {
			return 0, fmt.Errorf("kvm: read PSTATE: %w", err)
		}
		return pstate & pstateSP, nil
	}
	id, ok := oneRegID(r)
	if !ok {
		return 0, fmt.Errorf("kvm: %w: %v", sysreg.ErrUnknownRegister, r)
	}
	val, err := v.get(id)
	if err != nil {
		return 0, fmt.Errorf("kvm: read %s: %w", r, err)
	}
	return val, nil
}

// WriteSysReg implements sysreg.Accessor.
func (v *VCPU) WriteSysReg(r sysreg.Register, val uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if r == sysreg.SPSel {
		pstate, err := v.get(v.pstateID())
		if err != nil {
			return fmt.Errorf("kvm: read PSTATE: %w", err)
		}
		pstate = pstate&^pstateSP | val&pstateSP
		if err := v.set(v.pstateID(), pstate); err != nil {
			return fmt.Errorf("kvm: write PSTATE: %w", err)
		}
		return nil
	}
	id, ok := oneRegID(r)
	if !ok {
		return fmt.Errorf("kvm: %w: %v", sysreg.ErrUnknownRegister, r)
	}
	if err := v.set(id, val); err != nil {
		return fmt.Errorf("kvm: write %s: %w", r, err)
	}
	return nil
}

var _ sysreg.Accessor = (*VCPU)(nil)
