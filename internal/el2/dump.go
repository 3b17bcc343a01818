package el2

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
)

func (b *block) valueOf(c *Context, s *slot) uint64 {
	if !b.present(c) {
		return 0
	}
	return *s.value(c)
}

// Dump logs every register of ctx at info level, grouped by block. No gate
// is consulted: absent blocks print as zero, so only dump a saved context.
func Dump(log *slog.Logger, ctx *Context) {
	if log == nil {
		log = slog.Default()
	}
	bg := context.Background()
	if !log.Enabled(bg, slog.LevelInfo) {
		return
	}
	for bi := range layout {
		b := &layout[bi]
		g := log.With("group", b.name)
		for si := range b.slots {
			s := &b.slots[si]
			g.LogAttrs(bg, slog.LevelInfo, "EL2 register",
				slog.String("reg", s.reg.String()),
				slog.String("value", fmt.Sprintf("%#x", b.valueOf(ctx, s))),
			)
		}
	}
}

// Fprint writes ctx in the same grouping as Dump, one register per line.
func Fprint(w io.Writer, ctx *Context) error {
	bw := bufio.NewWriter(w)
	for bi := range layout {
		b := &layout[bi]
		fmt.Fprintf(bw, "\t%s registers:\n", b.name)
		for si := range b.slots {
			s := &b.slots[si]
			fmt.Fprintf(bw, "\t-- %s: 0x%x\n", s.reg, b.valueOf(ctx, s))
		}
		fmt.Fprintln(bw)
	}
	return bw.Flush()
}
