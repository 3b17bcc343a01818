package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
)

// errDiffers makes the process exit with status 1 without printing an
// extra error line; the command already reported what differed.
var errDiffers = errors.New("contexts differ")

func main() {
	if err := run(os.Args[1:]); err != nil {
		if !errors.Is(err, errDiffers) {
			fmt.Fprintf(os.Stderr, "el2ctx: %v\n", err)
		}
		os.Exit(1)
	}
}

type globalFlags struct {
	backend string
	profile string
	verbose bool
}

func run(args []string) error {
	fs := flag.NewFlagSet("el2ctx", flag.ContinueOnError)
	var g globalFlags
	fs.StringVar(&g.backend, "backend", "sim", "register backend: sim or kvm")
	fs.StringVar(&g.profile, "profile", "", "YAML profile for the sim backend (default: every extension present)")
	fs.BoolVar(&g.verbose, "v", false, "enable debug logging")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `el2ctx - save, restore and check the EL2 system-register context

USAGE:
  el2ctx [flags] <command> [command flags] [args]

COMMANDS:
  features           Show which extension gates hold (-plan lists the registers a save reads)
  dump               Save the context and print it (-o FILE writes a snapshot)
  compare A B        Compare two snapshot files
  run                Run world-switch scenarios (-suite FILE, default: built-in suite)

FLAGS:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	level := slog.LevelInfo
	if g.verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if fs.NArg() < 1 {
		fs.Usage()
		return fmt.Errorf("command required")
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "features":
		return runFeatures(g, rest)
	case "dump":
		return runDump(g, rest)
	case "compare":
		return runCompare(g, rest)
	case "run":
		return runScenarios(g, rest)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}
