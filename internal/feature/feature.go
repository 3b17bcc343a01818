// Package feature decides which optional architecture extensions are
// implemented, and therefore which EL2 registers are safe to touch.
package feature

import (
	"fmt"
	"strings"
)

// Extension is an optional architecture extension that owns EL2 registers.
type Extension uint8

// Extensions in the order the context engine walks them.
const (
	ExtensionInvalid Extension = iota
	MTE2
	FGT
	FGT2
	ECV
	VHE
	RAS
	NV2
	TRF
	CSV2
	HCX
	TCR2
	SxPOE
	SxPIE
	S2PIE
	GCS
	MPAM

	// AMUv1 only guards HAFGRTR_EL2 inside the FGT block.
	AMUv1

	extensionCount
)

var extensionNames = [extensionCount]string{
	ExtensionInvalid: "invalid",
	MTE2:             "MTE2",
	FGT:              "FGT",
	FGT2:             "FGT2",
	ECV:              "ECV",
	VHE:              "VHE",
	RAS:              "RAS",
	NV2:              "NV2",
	TRF:              "TRF",
	CSV2:             "CSV2",
	HCX:              "HCX",
	TCR2:             "TCR2",
	SxPOE:            "SxPOE",
	SxPIE:            "SxPIE",
	S2PIE:            "S2PIE",
	GCS:              "GCS",
	MPAM:             "MPAM",
	AMUv1:            "AMUv1",
}

func (e Extension) String() string {
	if e >= extensionCount {
		return fmt.Sprintf("Extension(%d)", uint8(e))
	}
	return extensionNames[e]
}

// Parse resolves an extension name, case-insensitively. "NEVE" is accepted
// as an alias of NV2.
func Parse(name string) (Extension, error) {
	n := strings.TrimSpace(name)
	if strings.EqualFold(n, "neve") {
		return NV2, nil
	}
	for e := MTE2; e < extensionCount; e++ {
		if strings.EqualFold(extensionNames[e], n) {
			return e, nil
		}
	}
	return ExtensionInvalid, fmt.Errorf("feature: unknown extension %q", name)
}

// All returns every extension: the block gates in walk order, then AMUv1.
func All() []Extension {
	out := make([]Extension, 0, extensionCount-1)
	for e := MTE2; e < extensionCount; e++ {
		out = append(out, e)
	}
	return out
}

// Oracle answers whether an extension is implemented. Implementations must
// not cache answers between calls; configuration may change between passes.
type Oracle interface {
	Present(ext Extension) (bool, error)
}

// Set is a fixed collection of present extensions. It implements Oracle.
type Set map[Extension]bool

func NewSet(exts ...Extension) Set {
	s := make(Set, len(exts))
	for _, e := range exts {
		s[e] = true
	}
	return s
}

// Present implements Oracle.
func (s Set) Present(ext Extension) (bool, error) {
	return s[ext], nil
}

// Extensions returns the present extensions in walk order.
func (s Set) Extensions() []Extension {
	var out []Extension
	for _, e := range All() {
		if s[e] {
			out = append(out, e)
		}
	}
	return out
}

func (s Set) String() string {
	exts := s.Extensions()
	names := make([]string, len(exts))
	for i, e := range exts {
		names[i] = e.String()
	}
	return strings.Join(names, ",")
}

// Probe queries o for every extension and returns the present ones.
func Probe(o Oracle) (Set, error) {
	s := make(Set)
	for _, e := range All() {
		ok, err := o.Present(e)
		if err != nil {
			return nil, fmt.Errorf("feature: probe %s: %w", e, err)
		}
		if ok {
			s[e] = true
		}
	}
	return s, nil
}
