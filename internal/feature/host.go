package feature

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// HostHint is an EL0-visible capability of the machine running the harness.
type HostHint struct {
	Name    string
	Present bool
}

// HostHints reports EL0 hwcaps of the host. They are informational only: EL0
// hwcaps say nothing reliable about EL2 register availability.
func HostHints() []HostHint {
	if runtime.GOARCH != "arm64" {
		return nil
	}
	return []HostHint{
		{"atomics", cpu.ARM64.HasATOMICS},
		{"sve", cpu.ARM64.HasSVE},
		{"sve2", cpu.ARM64.HasSVE2},
		{"sha3", cpu.ARM64.HasSHA3},
		{"dcpop", cpu.ARM64.HasDCPOP},
		{"asimddp", cpu.ARM64.HasASIMDDP},
		{"cpuid", cpu.ARM64.HasCPUID},
	}
}
