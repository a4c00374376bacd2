// Package main provides the tonpilot CLI.
package main

import (
	"fmt"
	"os"
)

var (
	version = "dev"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "serve":
		serveCmd(args)
	case "validate":
		validateCmd(args)
	case "version":
		fmt.Printf("tonpilot %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`tonpilot - conversational agent runtime for TON

Usage:
  tonpilot <command> [options]

Commands:
  serve     Run the bot, scheduler, and dashboard API
  validate  Check an agent artifact file against the parser and safety gate
  version   Print version information
  help      Show this help message

Examples:
  tonpilot serve --config tonpilot.yaml
  tonpilot validate agent.yaml

Run 'tonpilot <command> --help' for more information on a command.`)
}
