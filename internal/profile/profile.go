// Package profile loads simulated CPU profiles and scenario suites from YAML.
package profile

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/el2ctx/internal/ctxmgmt"
	"github.com/tinyrange/el2ctx/internal/feature"
	"github.com/tinyrange/el2ctx/internal/sim"
	"github.com/tinyrange/el2ctx/internal/smc"
	"github.com/tinyrange/el2ctx/internal/sysreg"
)

// Hex is a uint64 that also accepts quoted hexadecimal strings.
type Hex uint64

// UnmarshalYAML implements yaml.Unmarshaler for Hex.
func (h *Hex) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	s = strings.ReplaceAll(strings.TrimSpace(s), "_", "")
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return fmt.Errorf("line %d: invalid value %q: %w", value.Line, s, err)
	}
	*h = Hex(v)
	return nil
}

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Profile describes a simulated CPU and the firmware behind it.
type Profile struct {
	Name       string   `yaml:"name"`
	Extensions []string `yaml:"extensions"`
	// SPSel selects the stack pointer at EL2. Defaults to 1.
	SPSel *uint64 `yaml:"spsel,omitempty"`
	// IDRegisters override the values synthesized from Extensions.
	IDRegisters map[string]Hex `yaml:"id_registers,omitempty"`
	Registers   map[string]Hex `yaml:"registers,omitempty"`
	Writable    map[string]Hex `yaml:"writable,omitempty"`
	// Leaks are registers the firmware leaves clobbered after every SMC.
	Leaks map[string]Hex `yaml:"leaks,omitempty"`
	TSP   *bool          `yaml:"tsp,omitempty"`
}

func decode(r io.Reader, out any) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	return nil
}

// ParseProfile decodes and validates a profile.
func ParseProfile(r io.Reader) (*Profile, error) {
	var p Profile
	if err := decode(r, &p); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadProfile reads a profile from a file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	p, err := ParseProfile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Default is the profile used when none is given: every extension present.
func Default() *Profile {
	p := &Profile{Name: "all-extensions"}
	for _, e := range feature.All() {
		p.Extensions = append(p.Extensions, e.String())
	}
	return p
}

// ExtensionSet resolves the extension names.
func (p *Profile) ExtensionSet() (feature.Set, error) {
	s := make(feature.Set)
	var errs error
	for _, name := range p.Extensions {
		e, err := feature.Parse(name)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		s[e] = true
	}
	return s, errs
}

func registerMap(field string, m map[string]Hex, errs *error) map[sysreg.Register]uint64 {
	out := make(map[sysreg.Register]uint64, len(m))
	for name, v := range m {
		r, err := sysreg.Lookup(name)
		if err != nil {
			multierr.AppendInto(errs, fmt.Errorf("%s: %w", field, err))
			continue
		}
		out[r] = uint64(v)
	}
	return out
}

func isIDRegister(r sysreg.Register) bool {
	return r >= sysreg.ID_AA64PFR0_EL1 && r <= sysreg.ID_AA64MMFR3_EL1
}

// Validate reports every problem in p at once.
func (p *Profile) Validate() error {
	var errs error
	if _, err := p.ExtensionSet(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if p.SPSel != nil && *p.SPSel > 1 {
		errs = multierr.Append(errs, fmt.Errorf("spsel: must be 0 or 1, got %d", *p.SPSel))
	}
	for r := range registerMap("id_registers", p.IDRegisters, &errs) {
		if !isIDRegister(r) {
			errs = multierr.Append(errs, fmt.Errorf("id_registers: %s is not an ID register", r))
		}
	}
	for _, field := range []struct {
		name string
		m    map[string]Hex
	}{
		{"registers", p.Registers},
		{"writable", p.Writable},
		{"leaks", p.Leaks},
	} {
		for r := range registerMap(field.name, field.m, &errs) {
			if isIDRegister(r) {
				errs = multierr.Append(errs, fmt.Errorf("%s: %s is read-only", field.name, r))
			}
		}
	}
	if errs != nil {
		return fmt.Errorf("invalid profile %q: %w", p.Name, errs)
	}
	return nil
}

// Build creates the simulated CPU and firmware described by p.
func (p *Profile) Build(opts ...sim.CPUOption) (*sim.CPU, *sim.Firmware, error) {
	if err := p.Validate(); err != nil {
		return nil, nil, err
	}
	exts, _ := p.ExtensionSet()

	var discard error
	var cpuOpts []sim.CPUOption
	if len(p.IDRegisters) > 0 {
		cpuOpts = append(cpuOpts, sim.WithIDRegisters(feature.IDRegisters(registerMap("", p.IDRegisters, &discard))))
	}
	if p.SPSel != nil {
		cpuOpts = append(cpuOpts, sim.WithSPSel(*p.SPSel))
	}
	for r, v := range registerMap("", p.Registers, &discard) {
		cpuOpts = append(cpuOpts, sim.WithValue(r, v))
	}
	for r, m := range registerMap("", p.Writable, &discard) {
		cpuOpts = append(cpuOpts, sim.WithWritable(r, m))
	}
	cpu := sim.NewCPU(exts, append(cpuOpts, opts...)...)

	var fwOpts []sim.FirmwareOption
	for r, v := range registerMap("", p.Leaks, &discard) {
		fwOpts = append(fwOpts, sim.WithLeak(r, v))
	}
	if p.TSP != nil && !*p.TSP {
		fwOpts = append(fwOpts, sim.WithoutTSP())
	}
	return cpu, sim.NewFirmware(cpu, fwOpts...), nil
}

// FID is an SMC function ID given either numerically or by name.
type FID smc.FunctionID

var fidNames = map[string]smc.FunctionID{
	"smccc-version": smc.SMCCCVersion,
	"psci-version":  smc.PSCIVersion,
	"tsp-add":       smc.TSPFast(smc.TSPAdd),
	"tsp-sub":       smc.TSPFast(smc.TSPSub),
	"tsp-mul":       smc.TSPFast(smc.TSPMul),
	"tsp-div":       smc.TSPFast(smc.TSPDiv),
	"tsp-std-add":   smc.TSPStd(smc.TSPAdd),
	"tsp-std-sub":   smc.TSPStd(smc.TSPSub),
	"tsp-std-mul":   smc.TSPStd(smc.TSPMul),
	"tsp-std-div":   smc.TSPStd(smc.TSPDiv),
}

// UnmarshalYAML implements yaml.Unmarshaler for FID.
func (f *FID) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if id, ok := fidNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		*f = FID(id)
		return nil
	}
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return fmt.Errorf("line %d: invalid function id %q", value.Line, s)
	}
	*f = FID(v)
	return nil
}

// ScenarioConfig is one entry of a suite.
type ScenarioConfig struct {
	Name    string   `yaml:"name"`
	Kind    string   `yaml:"kind"`
	FID     FID      `yaml:"fid"`
	Args    []Hex    `yaml:"args,omitempty"`
	Mask    Hex      `yaml:"mask,omitempty"`
	Timeout Duration `yaml:"timeout,omitempty"`

	// ExpectX0 is the return value the call must produce; unset accepts
	// any reply other than SMC_UNKNOWN.
	ExpectX0 *Hex `yaml:"expect_x0,omitempty"`
}

// Suite is an ordered list of scenarios.
type Suite struct {
	Name      string           `yaml:"name"`
	Scenarios []ScenarioConfig `yaml:"scenarios"`
}

// ParseSuite decodes and validates a suite.
func ParseSuite(r io.Reader) (*Suite, error) {
	var s Suite
	if err := decode(r, &s); err != nil {
		return nil, fmt.Errorf("parse suite: %w", err)
	}
	if _, err := s.Build(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadSuite reads a suite from a file.
func LoadSuite(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read suite: %w", err)
	}
	s, err := ParseSuite(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Build converts the suite into scenarios, reporting every invalid entry.
func (s *Suite) Build() ([]ctxmgmt.Scenario, error) {
	var errs error
	if len(s.Scenarios) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("no scenarios"))
	}
	seen := make(map[string]bool)
	out := make([]ctxmgmt.Scenario, 0, len(s.Scenarios))
	for i, c := range s.Scenarios {
		name := c.Name
		if name == "" {
			name = fmt.Sprintf("#%d", i)
			errs = multierr.Append(errs, fmt.Errorf("scenario %s: missing name", name))
		} else if seen[name] {
			errs = multierr.Append(errs, fmt.Errorf("scenario %s: duplicate name", name))
		}
		seen[name] = true

		kind, err := ctxmgmt.ParseKind(c.Kind)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("scenario %s: %w", name, err))
		}
		if kind == ctxmgmt.Preserve && c.Mask != 0 {
			errs = multierr.Append(errs, fmt.Errorf("scenario %s: mask is only used by probe scenarios", name))
		}
		if c.FID == 0 {
			errs = multierr.Append(errs, fmt.Errorf("scenario %s: missing fid", name))
		}
		if len(c.Args) > 17 {
			errs = multierr.Append(errs, fmt.Errorf("scenario %s: %d args, at most 17", name, len(c.Args)))
		}

		sc := ctxmgmt.Scenario{
			Name:    name,
			Kind:    kind,
			FID:     smc.FunctionID(c.FID),
			Mask:    uint64(c.Mask),
			Timeout: time.Duration(c.Timeout),
		}
		if c.ExpectX0 != nil {
			x0 := uint64(*c.ExpectX0)
			sc.ExpectX0 = &x0
		}
		for j, a := range c.Args {
			if j < len(sc.Args) {
				sc.Args[j] = uint64(a)
			}
		}
		out = append(out, sc)
	}
	if errs != nil {
		return nil, fmt.Errorf("invalid suite %q: %w", s.Name, errs)
	}
	return out, nil
}
