package el2

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/el2ctx/internal/feature"
	"github.com/tinyrange/el2ctx/internal/sim"
	"github.com/tinyrange/el2ctx/internal/sysreg"
)

func TestCompare(t *testing.T) {
	cpu := sim.NewCPU(feature.NewSet(feature.VHE, feature.MPAM))
	e := New(cpu, nil)

	before := saveOrFatal(t, e)
	cpu.Poke(sysreg.TPIDR_EL2, 0x1234)
	cpu.Poke(sysreg.SP_EL2, 0x8000)
	cpu.Poke(sysreg.MPAM2_EL2, 0x1)
	after := saveOrFatal(t, e)

	err := Compare(before, after)
	if err == nil {
		t.Fatal("expected a mismatch")
	}
	want := []*Mismatch{{
		Block:    "Common",
		Register: sysreg.TPIDR_EL2,
		Want:     before.Common.TPIDR,
		Got:      0x1234,
	}}
	if diff := cmp.Diff(want, Mismatches(err)); diff != "" {
		t.Fatalf("mismatches (-want +got):\n%s", diff)
	}
	if !strings.Contains(err.Error(), "TPIDR_EL2: want 0x") {
		t.Fatalf("error text: %v", err)
	}

	if err := Compare(before, before); err != nil {
		t.Fatalf("self compare: %v", err)
	}
}

func TestCompareMissingBlock(t *testing.T) {
	cpu := sim.NewCPU(feature.NewSet(feature.ECV))
	with := saveOrFatal(t, New(cpu, nil))
	without := saveOrFatal(t, New(cpu, feature.NewSet()))

	ms := Mismatches(Compare(with, without))
	want := []*Mismatch{
		{Block: "ECV", Missing: true, WantCaptured: true},
		{Block: "ECV", Register: sysreg.CNTPOFF_EL2, Want: with.ECV.CNTPOFF, Missing: true, WantCaptured: true},
	}
	if diff := cmp.Diff(want, ms); diff != "" {
		t.Fatalf("mismatches (-want +got):\n%s", diff)
	}
	if got := ms[0].Error(); got != "ECV block: captured before, missing after" {
		t.Fatalf("block error text: %q", got)
	}
	if !strings.Contains(ms[1].Error(), "CNTPOFF_EL2: captured before, missing after") {
		t.Fatalf("error text: %v", ms[1])
	}

	ms = Mismatches(Compare(without, with))
	if len(ms) != 2 || ms[0].WantCaptured || ms[0].Error() != "ECV block: missing before, captured after" {
		t.Fatalf("reverse compare: %v", ms)
	}
}

func TestCompareVolatileOnlyBlock(t *testing.T) {
	// MPAM captures nothing but MPAM2_EL2, which Compare skips.
	before := &Context{MPAM: &MPAMRegs{MPAM2: 1}}
	after := &Context{}

	ms := Mismatches(Compare(before, after))
	want := []*Mismatch{{Block: "MPAM", Missing: true, WantCaptured: true}}
	if diff := cmp.Diff(want, ms); diff != "" {
		t.Fatalf("mismatches (-want +got):\n%s", diff)
	}
	if err := Compare(before, &Context{MPAM: &MPAMRegs{MPAM2: 2}}); err != nil {
		t.Fatalf("MPAM2_EL2 change reported: %v", err)
	}
}

func TestContextSetLookup(t *testing.T) {
	ctx := &Context{}
	if err := ctx.Set(sysreg.HAFGRTR_EL2, 7); err != nil {
		t.Fatal(err)
	}
	if ctx.FGT == nil || !ctx.FGT.HasHAFGRTR {
		t.Fatalf("Set did not allocate FGT: %+v", ctx.FGT)
	}
	if v, ok := ctx.Lookup(sysreg.HAFGRTR_EL2); !ok || v != 7 {
		t.Fatalf("Lookup = %d, %v", v, ok)
	}
	if _, ok := ctx.Lookup(sysreg.SP_EL2); ok {
		t.Fatal("SP_EL2 reported captured")
	}
	if err := ctx.Set(sysreg.MPAMVPM3_EL2, 1); err == nil {
		t.Fatal("Set accepted an inaccessible register")
	}
	if err := ctx.Set(sysreg.ID_AA64PFR0_EL1, 1); !errors.Is(err, sysreg.ErrUnknownRegister) {
		t.Fatalf("Set ID register: %v", err)
	}
	if got := ctx.Extensions().String(); got != "FGT" {
		t.Fatalf("Extensions = %q", got)
	}
}

func TestExclusions(t *testing.T) {
	got := make(map[sysreg.Register]Rule)
	for _, p := range Exclusions() {
		got[p.Register] = p.Rule
		if p.Reason == "" {
			t.Errorf("%s excluded without a reason", p.Register)
		}
	}
	want := map[sysreg.Register]Rule{
		sysreg.ICH_VMCR_EL2: SaveOnly,
		sysreg.SCTLR_EL2:    Masked,
		sysreg.SP_EL2:       SaveOnly,
		sysreg.TCR_EL2:      Verbatim,
		sysreg.TTBR0_EL2:    Verbatim,
		sysreg.TTBR1_EL2:    Masked,
		sysreg.TCR2_EL2:     Masked,
		sysreg.GCSCR_EL2:    Masked,
		sysreg.MPAM2_EL2:    SaveOnly,
		sysreg.MPAMHCR_EL2:  Inaccessible,
		sysreg.MPAMVPMV_EL2: Inaccessible,
	}
	for i := 0; i < 8; i++ {
		want[sysreg.MPAMVPM0_EL2+sysreg.Register(i)] = Inaccessible
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("exclusions (-want +got):\n%s", diff)
	}
}

func TestDump(t *testing.T) {
	cpu := sim.NewCPU(feature.NewSet(feature.GCS))
	ctx := saveOrFatal(t, New(cpu, nil))

	var buf bytes.Buffer
	Dump(slog.New(slog.NewJSONHandler(&buf, nil)), ctx)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != len(Policies()) {
		t.Fatalf("dumped %d lines, want %d", len(lines), len(Policies()))
	}

	found := false
	for _, line := range lines {
		var rec struct {
			Msg   string `json:"msg"`
			Group string `json:"group"`
			Reg   string `json:"reg"`
			Value string `json:"value"`
		}
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		if rec.Reg == "GCSPR_EL2" {
			found = true
			if rec.Group != "GCS" || rec.Value == "0x0" {
				t.Fatalf("GCSPR_EL2 record: %+v", rec)
			}
		}
		if rec.Reg == "TFSR_EL2" && rec.Value != "0x0" {
			t.Fatalf("absent block dumped non-zero: %+v", rec)
		}
	}
	if !found {
		t.Fatal("GCSPR_EL2 not dumped")
	}

	var quiet bytes.Buffer
	Dump(slog.New(slog.NewTextHandler(&quiet, &slog.HandlerOptions{Level: slog.LevelWarn})), ctx)
	if quiet.Len() != 0 {
		t.Fatalf("dump ignored log level: %s", quiet.String())
	}
}

func TestFprint(t *testing.T) {
	ctx := &Context{}
	ctx.Common.SCTLR = 0x30c50838

	var buf bytes.Buffer
	if err := Fprint(&buf, ctx); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{
		"\tCommon registers:\n",
		"\t-- SCTLR_EL2: 0x30c50838\n",
		"\tMPAM registers:\n",
		"\t-- MPAMVPM7_EL2: 0x0\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	cpu := sim.NewCPU(allExtensions(), sim.WithSPSel(sysreg.SPSelEL0))
	ctx := saveOrFatal(t, New(cpu, feature.NewSet(feature.FGT, feature.ECV, feature.MPAM)))

	var buf bytes.Buffer
	if err := WriteSnapshot(&buf, ctx); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	got, err := ReadSnapshot(&buf)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if diff := cmp.Diff(ctx, got); diff != "" {
		t.Fatalf("snapshot round trip (-want +got):\n%s", diff)
	}
}

func TestSnapshotRejectsCorruption(t *testing.T) {
	ctx := saveOrFatal(t, New(sim.NewCPU(nil), nil))
	var buf bytes.Buffer
	if err := WriteSnapshot(&buf, ctx); err != nil {
		t.Fatal(err)
	}
	good := buf.Bytes()

	bad := append([]byte(nil), good...)
	bad[0] ^= 0xff
	if _, err := ReadSnapshot(bytes.NewReader(bad)); !errors.Is(err, ErrBadSnapshot) {
		t.Fatalf("bad magic: %v", err)
	}

	if _, err := ReadSnapshot(bytes.NewReader(good[:len(good)-3])); err == nil {
		t.Fatal("truncated snapshot accepted")
	}

	// A register outside the present blocks: patch the first key to TFSR_EL2.
	bad = append([]byte(nil), good...)
	key := sysreg.TFSR_EL2.Encoding().Pack()
	bad[16], bad[17] = byte(key), byte(key>>8)
	if _, err := ReadSnapshot(bytes.NewReader(bad)); !errors.Is(err, ErrBadSnapshot) {
		t.Fatalf("foreign register: %v", err)
	}

	// Header only: the common block is present but none of its registers.
	hdr := append([]byte(nil), good[:16]...)
	binary.LittleEndian.PutUint32(hdr[12:], 0)
	if _, err := ReadSnapshot(bytes.NewReader(hdr)); !errors.Is(err, ErrBadSnapshot) {
		t.Fatalf("empty snapshot: %v", err)
	}

	// The first register repeated at the end.
	dup := append([]byte(nil), good...)
	binary.LittleEndian.PutUint32(dup[12:], binary.LittleEndian.Uint32(good[12:])+1)
	dup = append(dup, good[16:26]...)
	if _, err := ReadSnapshot(bytes.NewReader(dup)); !errors.Is(err, ErrBadSnapshot) {
		t.Fatalf("duplicate register: %v", err)
	}

	// The last register dropped.
	short := append([]byte(nil), good[:len(good)-10]...)
	binary.LittleEndian.PutUint32(short[12:], binary.LittleEndian.Uint32(good[12:])-1)
	if _, err := ReadSnapshot(bytes.NewReader(short)); !errors.Is(err, ErrBadSnapshot) {
		t.Fatalf("missing register: %v", err)
	}

	noCommon := append([]byte(nil), good...)
	noCommon[8] &^= 1
	if _, err := ReadSnapshot(bytes.NewReader(noCommon)); !errors.Is(err, ErrBadSnapshot) {
		t.Fatalf("common block cleared: %v", err)
	}
}
