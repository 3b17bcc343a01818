package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/el2ctx/internal/ctxmgmt"
	"github.com/tinyrange/el2ctx/internal/el2"
	"github.com/tinyrange/el2ctx/internal/feature"
	"github.com/tinyrange/el2ctx/internal/profile"
	"github.com/tinyrange/el2ctx/internal/smc"
	"github.com/tinyrange/el2ctx/internal/sysreg"
)

func runFeatures(g globalFlags, args []string) error {
	fs := flag.NewFlagSet("features", flag.ContinueOnError)
	plan := fs.Bool("plan", false, "list the registers a save would read, with their restore rule")
	if err := fs.Parse(args); err != nil {
		return err
	}

	b, err := openBackend(g)
	if err != nil {
		return err
	}
	defer b.Close()

	st := newStyles(os.Stdout)
	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	det := feature.NewDetector(b.acc)
	fmt.Fprintf(out, "%s (%s)\n", st.Header("Extension gates"), b.name)
	for _, e := range feature.All() {
		ok, err := det.Present(e)
		if err != nil {
			return fmt.Errorf("gate %s: %w", e, err)
		}
		state := st.Skip("absent")
		if ok {
			state = st.OK("present")
		}
		fmt.Fprintf(out, "  %-6s %s\n", e, state)
	}

	if hints := feature.HostHints(); len(hints) > 0 {
		fmt.Fprintf(out, "\n%s\n", st.Header("Host CPU (informational)"))
		for _, h := range hints {
			fmt.Fprintf(out, "  %-6s %v\n", h.Name, h.Present)
		}
	}

	if !*plan {
		return nil
	}

	regs, err := el2.New(b.acc, det).Plan()
	if err != nil {
		return err
	}
	rules := make(map[sysreg.Register]el2.Policy)
	for _, p := range el2.Policies() {
		rules[p.Register] = p
	}
	fmt.Fprintf(out, "\n%s (%d registers)\n", st.Header("Save plan"), len(regs))
	for _, r := range regs {
		p := rules[r]
		line := fmt.Sprintf("  %-16s %-8s %-10s", r, p.Block, p.Rule)
		if p.Strip != 0 {
			line += fmt.Sprintf(" strip=%#x", p.Strip)
		}
		if p.Reason != "" && (p.Rule != el2.Masked || p.Strip != 0) {
			line += "  # " + p.Reason
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func runDump(g globalFlags, args []string) error {
	fs := flag.NewFlagSet("dump", flag.ContinueOnError)
	output := fs.String("o", "", "write a binary snapshot to `file`")
	asLog := fs.Bool("log", false, "emit registers as structured log records instead of text")
	if err := fs.Parse(args); err != nil {
		return err
	}

	b, err := openBackend(g)
	if err != nil {
		return err
	}
	defer b.Close()

	ctx := &el2.Context{}
	if err := el2.New(b.acc, nil).Save(ctx); err != nil {
		return err
	}

	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			return fmt.Errorf("create snapshot: %w", err)
		}
		w := bufio.NewWriter(f)
		if err := el2.WriteSnapshot(w, ctx); err != nil {
			f.Close()
			return err
		}
		if err := w.Flush(); err != nil {
			f.Close()
			return fmt.Errorf("write snapshot: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close snapshot: %w", err)
		}
		slog.Info("wrote snapshot", "path", *output, "registers", len(ctx.Captured()))
		return nil
	}

	if *asLog {
		el2.Dump(slog.Default(), ctx)
		return nil
	}
	fmt.Printf("EL2 context (%s, extensions: %s)\n", b.name, ctx.Extensions())
	return el2.Fprint(os.Stdout, ctx)
}

func readSnapshot(path string) (*el2.Context, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	ctx, err := el2.ReadSnapshot(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ctx, nil
}

func runCompare(_ globalFlags, args []string) error {
	fs := flag.NewFlagSet("compare", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: el2ctx compare BEFORE AFTER")
	}

	want, err := readSnapshot(fs.Arg(0))
	if err != nil {
		return err
	}
	got, err := readSnapshot(fs.Arg(1))
	if err != nil {
		return err
	}

	st := newStyles(os.Stdout)
	ms := el2.Mismatches(el2.Compare(want, got))
	if len(ms) == 0 {
		fmt.Println(st.OK("EL2 contexts match"))
		return nil
	}
	fmt.Println(st.Bad(fmt.Sprintf("%d registers differ", len(ms))))
	for _, m := range ms {
		fmt.Printf("  %s\n", m)
	}
	return errDiffers
}

var defaultSuite = []ctxmgmt.Scenario{
	{Name: "smccc-version", Kind: ctxmgmt.Preserve, FID: smc.SMCCCVersion},
	{Name: "tsp-std-add", Kind: ctxmgmt.Preserve, FID: smc.TSPStd(smc.TSPAdd), Args: [17]uint64{4, 6}, ExpectX0: new(uint64)},
	{Name: "probe-corruption", Kind: ctxmgmt.Probe, FID: smc.PSCIVersion, Mask: sysreg.CorruptionValue},
}

func runScenarios(g globalFlags, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	suitePath := fs.String("suite", "", "YAML scenario suite")
	if err := fs.Parse(args); err != nil {
		return err
	}

	scenarios := defaultSuite
	if *suitePath != "" {
		s, err := profile.LoadSuite(*suitePath)
		if err != nil {
			return err
		}
		if scenarios, err = s.Build(); err != nil {
			return err
		}
	}

	b, err := openBackend(g)
	if err != nil {
		return err
	}
	defer b.Close()
	if b.conduit == nil {
		return fmt.Errorf("backend %s cannot issue SMCs", b.name)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var opts []ctxmgmt.RunnerOption
	if !g.verbose && term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.NewOptions(len(scenarios),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("scenarios"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Finish()
		opts = append(opts,
			ctxmgmt.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))),
			ctxmgmt.WithProgress(func(done, total int, o ctxmgmt.Outcome) {
				bar.Describe(o.Scenario.Name)
				bar.Add(1)
			}),
		)
	}

	rep, err := ctxmgmt.NewRunner(el2.New(b.acc, nil), b.conduit, opts...).Run(ctx, scenarios)
	if err != nil {
		return err
	}

	st := newStyles(os.Stdout)
	for _, o := range rep.Outcomes {
		var label string
		switch o.Result {
		case ctxmgmt.Success:
			label = st.OK("PASS")
		case ctxmgmt.Fail:
			label = st.Bad("FAIL")
		default:
			label = st.Skip("SKIP")
		}
		fmt.Printf("%s %-24s %s\n", label, o.Scenario.Name, o.Elapsed.Round(time.Microsecond))
		if o.Err != nil {
			fmt.Printf("     %v\n", o.Err)
		}
		for _, m := range o.Mismatches {
			fmt.Printf("     %s\n", m)
		}
	}
	fmt.Println(rep)
	if rep.Failed() {
		return errDiffers
	}
	return nil
}
