package main

import (
	"os"

	"github.com/dyluth/berth/cmd/berth/commands"
	"github.com/dyluth/berth/internal/printer"
)

// Version information - set during build
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Set version information on root command
	commands.SetVersionInfo(version, commit, date)

	// Execute root command
	// Errors are printed by the printer package with color formatting
	if err := commands.Execute(); err != nil {
		printer.Fatal(err)
		os.Exit(1)
	}
}
