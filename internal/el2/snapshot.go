package el2

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/el2ctx/internal/sysreg"
)

const (
	SnapshotMagic   uint32 = 0x43324c45 // "EL2C"
	SnapshotVersion uint32 = 1
)

var ErrBadSnapshot = errors.New("invalid EL2 context snapshot")

// WriteSnapshot serializes ctx. The format is little-endian: magic, version,
// a bitmap of present blocks in walk order, a register count, then one
// (packed encoding, value) pair per captured register.
func WriteSnapshot(w io.Writer, ctx *Context) error {
	if err := binary.Write(w, binary.LittleEndian, SnapshotMagic); err != nil {
		return fmt.Errorf("write magic: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, SnapshotVersion); err != nil {
		return fmt.Errorf("write version: %w", err)
	}

	var blocks uint32
	for bi := range layout {
		if layout[bi].present(ctx) {
			blocks |= 1 << bi
		}
	}
	if err := binary.Write(w, binary.LittleEndian, blocks); err != nil {
		return fmt.Errorf("write block bitmap: %w", err)
	}

	regs := ctx.Captured()
	if err := binary.Write(w, binary.LittleEndian, uint32(len(regs))); err != nil {
		return fmt.Errorf("write register count: %w", err)
	}

	for _, r := range regs {
		v, _ := ctx.Lookup(r)
		if err := binary.Write(w, binary.LittleEndian, r.Encoding().Pack()); err != nil {
			return fmt.Errorf("write register key: %w", err)
		}
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("write register value: %w", err)
		}
	}

	return nil
}

// ReadSnapshot is the inverse of WriteSnapshot.
func ReadSnapshot(r io.Reader) (*Context, error) {
	var magic, version uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if magic != SnapshotMagic {
		return nil, fmt.Errorf("%w: magic %#x", ErrBadSnapshot, magic)
	}
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("read version: %w", err)
	}
	if version != SnapshotVersion {
		return nil, fmt.Errorf("%w: version %d", ErrBadSnapshot, version)
	}

	var blocks uint32
	if err := binary.Read(r, binary.LittleEndian, &blocks); err != nil {
		return nil, fmt.Errorf("read block bitmap: %w", err)
	}
	if blocks>>len(layout) != 0 {
		return nil, fmt.Errorf("%w: unknown blocks in bitmap %#x", ErrBadSnapshot, blocks)
	}
	if blocks&1 == 0 {
		return nil, fmt.Errorf("%w: common block missing", ErrBadSnapshot)
	}

	ctx := &Context{}
	for bi := range layout {
		if blocks&(1<<bi) != 0 {
			layout[bi].alloc(ctx)
		}
	}

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("read register count: %w", err)
	}

	seen := make(map[sysreg.Register]bool, count)
	for i := uint32(0); i < count; i++ {
		var key uint16
		var v uint64
		if err := binary.Read(r, binary.LittleEndian, &key); err != nil {
			return nil, fmt.Errorf("read register key: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return nil, fmt.Errorf("read register value: %w", err)
		}

		reg, err := sysreg.ByEncoding(sysreg.UnpackEncoding(key))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
		}
		b, _, ok := lookupSlot(reg)
		if !ok || !b.present(ctx) {
			return nil, fmt.Errorf("%w: %s outside present blocks", ErrBadSnapshot, reg)
		}
		if seen[reg] {
			return nil, fmt.Errorf("%w: %s appears twice", ErrBadSnapshot, reg)
		}
		seen[reg] = true
		if err := ctx.Set(reg, v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
		}
	}

	// SP_EL2 and HAFGRTR_EL2 may be absent; everything else a present block
	// captures must be there.
	for bi := range layout {
		b := &layout[bi]
		if !b.present(ctx) {
			continue
		}
		for _, s := range b.slots {
			if s.rule == Inaccessible || s.valid != nil || seen[s.reg] {
				continue
			}
			return nil, fmt.Errorf("%w: %s missing", ErrBadSnapshot, s.reg)
		}
	}

	return ctx, nil
}
