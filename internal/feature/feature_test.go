package feature

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/el2ctx/internal/sysreg"
)

type idAccessor struct {
	ids   IDRegisters
	reads int
	fail  error
}

func (a *idAccessor) ReadSysReg(r sysreg.Register) (uint64, error) {
	a.reads++
	if a.fail != nil {
		return 0, a.fail
	}
	return a.ids[r], nil
}

func (a *idAccessor) WriteSysReg(r sysreg.Register, v uint64) error {
	return errors.New("read-only")
}

func TestDetectorMatchesSynthesizedSet(t *testing.T) {
	tests := []struct {
		name string
		set  Set
		want []Extension
	}{
		{"none", NewSet(), nil},
		{"fgt", NewSet(FGT), []Extension{FGT}},
		{"fgt2 implies fgt", NewSet(FGT2), []Extension{FGT, FGT2}},
		{"fgt with amu", NewSet(FGT, AMUv1), []Extension{FGT, AMUv1}},
		{"everything", NewSet(All()...), All()},
		{
			"mmfr3 family",
			NewSet(TCR2, SxPOE, SxPIE, S2PIE),
			[]Extension{TCR2, SxPOE, SxPIE, S2PIE},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDetector(&idAccessor{ids: Synthesize(tt.set)})
			got, err := Probe(d)
			if err != nil {
				t.Fatalf("Probe: %v", err)
			}
			if diff := cmp.Diff(tt.want, got.Extensions()); diff != "" {
				t.Fatalf("present extensions mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDetectorFieldEdges(t *testing.T) {
	tests := []struct {
		name string
		reg  sysreg.Register
		val  uint64
		ext  Extension
		want bool
	}{
		{"mte1 is not mte2", sysreg.ID_AA64PFR1_EL1, sysreg.PFR1MTE.Insert(0, 1), MTE2, false},
		{"mte3 is not mte2", sysreg.ID_AA64PFR1_EL1, sysreg.PFR1MTE.Insert(0, 3), MTE2, false},
		{"ecv without self-synch", sysreg.ID_AA64MMFR0_EL1, sysreg.MMFR0ECV.Insert(0, 1), ECV, false},
		{"nv1 is not nv2", sysreg.ID_AA64MMFR2_EL1, sysreg.MMFR2NV.Insert(0, 1), NV2, false},
		{"csv2 v1", sysreg.ID_AA64PFR0_EL1, sysreg.PFR0CSV2.Insert(0, 1), CSV2, false},
		{"csv2 v3", sysreg.ID_AA64PFR0_EL1, sysreg.PFR0CSV2.Insert(0, 3), CSV2, true},
		{"rasv1p1 direct", sysreg.ID_AA64PFR0_EL1, sysreg.PFR0RAS.Insert(0, 2), RAS, true},
		{"rasv2", sysreg.ID_AA64PFR0_EL1, sysreg.PFR0RAS.Insert(0, 3), RAS, true},
		{"mpam frac only", sysreg.ID_AA64PFR1_EL1, sysreg.PFR1MPAMFrac.Insert(0, 1), MPAM, true},
		{"amu v1p1", sysreg.ID_AA64PFR0_EL1, sysreg.PFR0AMU.Insert(0, 2), AMUv1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDetector(&idAccessor{ids: IDRegisters{tt.reg: tt.val}})
			got, err := d.Present(tt.ext)
			if err != nil {
				t.Fatalf("Present: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Present(%s) = %v, want %v", tt.ext, got, tt.want)
			}
		})
	}
}

func TestRASv1p1ThroughFrac(t *testing.T) {
	ids := IDRegisters{
		sysreg.ID_AA64PFR0_EL1: sysreg.PFR0RAS.Insert(0, 1),
		sysreg.ID_AA64PFR1_EL1: sysreg.PFR1RASFrac.Insert(0, 1),
	}
	d := NewDetector(&idAccessor{ids: ids})
	ok, err := d.RASv1p1Present()
	if err != nil {
		t.Fatalf("RASv1p1Present: %v", err)
	}
	if !ok {
		t.Fatal("expected RASv1p1 through RAS_frac")
	}
}

func TestDetectorDoesNotCache(t *testing.T) {
	acc := &idAccessor{ids: Synthesize(NewSet(VHE))}
	d := NewDetector(acc)

	if ok, _ := d.Present(VHE); !ok {
		t.Fatal("VHE should be present")
	}
	acc.ids[sysreg.ID_AA64MMFR1_EL1] = 0
	if ok, _ := d.Present(VHE); ok {
		t.Fatal("VHE answer was cached")
	}
	if acc.reads != 2 {
		t.Fatalf("expected 2 ID register reads, got %d", acc.reads)
	}
}

func TestDetectorPropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	d := NewDetector(&idAccessor{fail: boom})
	if _, err := d.Present(GCS); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped boom, got %v", err)
	}
	if _, err := Probe(d); !errors.Is(err, boom) {
		t.Fatalf("Probe: expected wrapped boom, got %v", err)
	}
}

func TestParse(t *testing.T) {
	for _, e := range All() {
		got, err := Parse(e.String())
		if err != nil || got != e {
			t.Fatalf("Parse(%q) = %v, %v", e.String(), got, err)
		}
	}
	if got, err := Parse("neve"); err != nil || got != NV2 {
		t.Fatalf("Parse(neve) = %v, %v", got, err)
	}
	if _, err := Parse("sme"); err == nil {
		t.Fatal("expected error for unknown extension")
	}
}

func TestSetString(t *testing.T) {
	s := NewSet(MPAM, MTE2, FGT)
	if got := s.String(); got != "MTE2,FGT,MPAM" {
		t.Fatalf("String() = %q", got)
	}
}
