package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/msfmcp/msfmcp/pkg/health"
	"github.com/msfmcp/msfmcp/pkg/jsonutil"
	"github.com/msfmcp/msfmcp/pkg/ui"
	"github.com/msfmcp/msfmcp/pkg/version"
)

// runDoctor checks the environment without starting anything.
func runDoctor() {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)

	configPath := fs.String("config", envOrDefault("MSF_MCP_CONFIG", ""), "Path to YAML config file")
	jsonOut := fs.Bool("json", false, "Print the report as JSON")
	noColor := fs.Bool("no-color", false, "Disable colored output")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s doctor [flags]\n\n", version.Name)
		fmt.Fprintf(os.Stderr, "Check for framework binaries, the ~/.msf4 directory, and the RPC endpoint.\n")
		fmt.Fprintf(os.Stderr, "Exits non-zero when a fatal problem is found.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[2:]); err != nil {
		exitWithError("%v", err)
	}
	ui.SetNoColor(*noColor)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		exitWithError("%v", err)
	}

	report := health.New(cfg).Run(context.Background())

	if *jsonOut {
		data, err := jsonutil.MarshalIndent(report, "", "  ")
		if err != nil {
			exitWithError("encoding report: %v", err)
		}
		fmt.Fprintln(os.Stdout, string(data))
	} else {
		ui.PrintBanner()
		ui.PrintDoctorReport(&report)
	}

	if !report.Healthy {
		os.Exit(1)
	}
}
