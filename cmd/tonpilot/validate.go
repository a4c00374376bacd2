package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tonpilot-dev/tonpilot/script"
)

// validateCmd checks an artifact file the same way the store does before a
// write: safety gate first, then the parser.
func validateCmd(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Println(`Usage: tonpilot validate <agent.yaml>

Check an agent artifact against the safety gate and the step parser.
Exit code 0 means the artifact would be accepted.`)
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fs.Usage()
		os.Exit(1)
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := script.Gate(string(data)); err != nil {
		fmt.Fprintf(os.Stderr, "✗ Safety gate: %v\n", err)
		os.Exit(1)
	}
	prog, err := script.Parse(string(data))
	if err != nil {
		fmt.Fprintf(os.Stderr, "✗ Parse: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ %s is valid (%d top-level steps)\n", fs.Arg(0), len(prog.Steps))
}
