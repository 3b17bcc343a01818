package feature

import (
	"fmt"

	"github.com/tinyrange/el2ctx/internal/sysreg"
)

// Detector derives extension presence from the ID registers of one CPU.
// Every call reads the registers again.
type Detector struct {
	acc sysreg.Accessor
}

func NewDetector(acc sysreg.Accessor) *Detector {
	return &Detector{acc: acc}
}

func (d *Detector) field(reg sysreg.Register, f sysreg.Field) (uint64, error) {
	v, err := d.acc.ReadSysReg(reg)
	if err != nil {
		return 0, fmt.Errorf("feature: read %s: %w", reg, err)
	}
	return f.Extract(v), nil
}

// MTESupport returns ID_AA64PFR1_EL1.MTE.
func (d *Detector) MTESupport() (uint64, error) {
	return d.field(sysreg.ID_AA64PFR1_EL1, sysreg.PFR1MTE)
}

// ECVSupport returns ID_AA64MMFR0_EL1.ECV.
func (d *Detector) ECVSupport() (uint64, error) {
	return d.field(sysreg.ID_AA64MMFR0_EL1, sysreg.MMFR0ECV)
}

// TRFSupport returns ID_AA64DFR0_EL1.TraceFilt.
func (d *Detector) TRFSupport() (uint64, error) {
	return d.field(sysreg.ID_AA64DFR0_EL1, sysreg.DFR0TraceFilt)
}

// HCXSupport returns ID_AA64MMFR1_EL1.HCX.
func (d *Detector) HCXSupport() (uint64, error) {
	return d.field(sysreg.ID_AA64MMFR1_EL1, sysreg.MMFR1HCX)
}

func (d *Detector) nonZero(reg sysreg.Register, f sysreg.Field) (bool, error) {
	v, err := d.field(reg, f)
	return v != 0, err
}

func (d *Detector) equals(reg sysreg.Register, f sysreg.Field, want uint64) (bool, error) {
	v, err := d.field(reg, f)
	return v == want, err
}

func (d *Detector) atLeast(reg sysreg.Register, f sysreg.Field, want uint64) (bool, error) {
	v, err := d.field(reg, f)
	return v >= want, err
}

// RASPresent reports FEAT_RAS (ID_AA64PFR0_EL1.RAS == 1).
func (d *Detector) RASPresent() (bool, error) {
	return d.equals(sysreg.ID_AA64PFR0_EL1, sysreg.PFR0RAS, sysreg.RASSupportRAS)
}

// RASv1p1Present reports FEAT_RASv1p1, either directly or through RAS_frac.
func (d *Detector) RASv1p1Present() (bool, error) {
	ras, err := d.field(sysreg.ID_AA64PFR0_EL1, sysreg.PFR0RAS)
	if err != nil {
		return false, err
	}
	if ras >= sysreg.RASSupportRASv1p1 {
		return true, nil
	}
	if ras != sysreg.RASSupportRAS {
		return false, nil
	}
	return d.equals(sysreg.ID_AA64PFR1_EL1, sysreg.PFR1RASFrac, 1)
}

// Present implements Oracle.
func (d *Detector) Present(ext Extension) (bool, error) {
	switch ext {
	case MTE2:
		v, err := d.MTESupport()
		return v == sysreg.MTESupportMTE2, err
	case FGT:
		return d.nonZero(sysreg.ID_AA64MMFR0_EL1, sysreg.MMFR0FGT)
	case FGT2:
		return d.equals(sysreg.ID_AA64MMFR0_EL1, sysreg.MMFR0FGT, sysreg.FGTSupportFGT2)
	case ECV:
		v, err := d.ECVSupport()
		return v == sysreg.ECVSupportSelfSynch, err
	case VHE:
		return d.nonZero(sysreg.ID_AA64MMFR1_EL1, sysreg.MMFR1VH)
	case RAS:
		ok, err := d.RASPresent()
		if err != nil || ok {
			return ok, err
		}
		return d.RASv1p1Present()
	case NV2:
		return d.equals(sysreg.ID_AA64MMFR2_EL1, sysreg.MMFR2NV, sysreg.NVSupportNV2)
	case TRF:
		v, err := d.TRFSupport()
		return v != 0, err
	case CSV2:
		return d.atLeast(sysreg.ID_AA64PFR0_EL1, sysreg.PFR0CSV2, sysreg.CSV2Support2)
	case HCX:
		v, err := d.HCXSupport()
		return v != 0, err
	case TCR2:
		return d.nonZero(sysreg.ID_AA64MMFR3_EL1, sysreg.MMFR3TCRX)
	case SxPOE:
		return d.nonZero(sysreg.ID_AA64MMFR3_EL1, sysreg.MMFR3S1POE)
	case SxPIE:
		return d.nonZero(sysreg.ID_AA64MMFR3_EL1, sysreg.MMFR3S1PIE)
	case S2PIE:
		return d.nonZero(sysreg.ID_AA64MMFR3_EL1, sysreg.MMFR3S2PIE)
	case GCS:
		return d.nonZero(sysreg.ID_AA64PFR1_EL1, sysreg.PFR1GCS)
	case MPAM:
		major, err := d.field(sysreg.ID_AA64PFR0_EL1, sysreg.PFR0MPAM)
		if err != nil {
			return false, err
		}
		if major != 0 {
			return true, nil
		}
		return d.nonZero(sysreg.ID_AA64PFR1_EL1, sysreg.PFR1MPAMFrac)
	case AMUv1:
		return d.atLeast(sysreg.ID_AA64PFR0_EL1, sysreg.PFR0AMU, 1)
	default:
		return false, fmt.Errorf("feature: no gate for %s", ext)
	}
}

var _ Oracle = (*Detector)(nil)
