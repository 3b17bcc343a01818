package profile

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/el2ctx/internal/ctxmgmt"
	"github.com/tinyrange/el2ctx/internal/feature"
	"github.com/tinyrange/el2ctx/internal/smc"
	"github.com/tinyrange/el2ctx/internal/sysreg"
)

func TestLoadProfile(t *testing.T) {
	p, err := LoadProfile("testdata/neoverse.yaml")
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	cpu, fw, err := p.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	want := feature.NewSet(feature.MTE2, feature.FGT, feature.ECV, feature.VHE, feature.RAS,
		feature.NV2, feature.TRF, feature.CSV2, feature.HCX, feature.AMUv1, feature.MPAM)
	if diff := cmp.Diff(want, cpu.Extensions()); diff != "" {
		t.Fatalf("extensions (-want +got):\n%s", diff)
	}
	if got := cpu.Peek(sysreg.SCTLR_EL2); got != 0x30c50838 {
		t.Fatalf("SCTLR_EL2 = %#x", got)
	}
	if got := cpu.Peek(sysreg.HCR_EL2); got != 0x480000000 {
		t.Fatalf("HCR_EL2 = %#x", got)
	}
	if !fw.HasTSP() {
		t.Fatal("TSP disabled")
	}
}

func TestProfileValidationCollectsErrors(t *testing.T) {
	src := `
name: broken
extensions: [FGT, SVE9]
spsel: 3
registers:
  NOPE_EL2: 1
  ID_AA64PFR0_EL1: 1
id_registers:
  HCR_EL2: 2
`
	_, err := ParseProfile(strings.NewReader(src))
	if err == nil {
		t.Fatal("expected an error")
	}
	for _, want := range []string{"SVE9", "spsel", "NOPE_EL2", "ID_AA64PFR0_EL1 is read-only", "HCR_EL2 is not an ID register"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestProfileRejectsUnknownFields(t *testing.T) {
	_, err := ParseProfile(strings.NewReader("name: x\nextentions: [FGT]\n"))
	if err == nil || !strings.Contains(err.Error(), "extentions") {
		t.Fatalf("unknown field accepted: %v", err)
	}
}

func TestProfileIDOverride(t *testing.T) {
	src := `
name: mte1
extensions: [MTE2]
id_registers:
  ID_AA64PFR1_EL1: 0x100
`
	p, err := ParseProfile(strings.NewReader(src))
	if err != nil {
		t.Fatal(err)
	}
	cpu, _, err := p.Build()
	if err != nil {
		t.Fatal(err)
	}
	if cpu.Extensions()[feature.MTE2] {
		t.Fatal("MTE2 reported with MTE support field 1")
	}
}

func TestDefaultProfile(t *testing.T) {
	cpu, _, err := Default().Build()
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range feature.All() {
		if !cpu.Extensions()[e] {
			t.Errorf("%v missing from default profile", e)
		}
	}
}

func TestLoadSuite(t *testing.T) {
	s, err := LoadSuite("testdata/suite.yaml")
	if err != nil {
		t.Fatalf("LoadSuite: %v", err)
	}
	got, err := s.Build()
	if err != nil {
		t.Fatal(err)
	}
	want := []ctxmgmt.Scenario{
		{Name: "smccc-version", Kind: ctxmgmt.Preserve, FID: smc.SMCCCVersion},
		{Name: "tsp-add", Kind: ctxmgmt.Preserve, FID: smc.TSPStd(smc.TSPAdd), Args: [17]uint64{4, 6}, Timeout: 2 * time.Second, ExpectX0: new(uint64)},
		{Name: "probe-all-ones", Kind: ctxmgmt.Probe, FID: smc.PSCIVersion, Mask: sysreg.CorruptionValue},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("scenarios (-want +got):\n%s", diff)
	}
}

func TestSuiteValidation(t *testing.T) {
	src := `
name: bad
scenarios:
  - name: a
    kind: fuzz
    fid: psci-version
  - name: a
    kind: preserve
    fid: psci-version
    mask: 1
  - kind: probe
`
	_, err := ParseSuite(strings.NewReader(src))
	if err == nil {
		t.Fatal("expected an error")
	}
	for _, want := range []string{"unknown scenario kind", "duplicate name", "mask is only used", "missing name", "missing fid"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestFIDRejectsGarbage(t *testing.T) {
	_, err := ParseSuite(strings.NewReader("name: x\nscenarios:\n  - name: a\n    fid: tsp-frobnicate\n"))
	if err == nil || !strings.Contains(err.Error(), "invalid function id") {
		t.Fatalf("err = %v", err)
	}
}
