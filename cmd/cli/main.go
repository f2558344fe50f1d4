// Command msf-mcp bridges the Metasploit Framework to MCP clients.
//
// Subcommands:
//
//	mcp     start the MCP server (stdio or HTTP transport)
//	exec    run console commands once and print the result
//	doctor  check the environment (binaries, RPC, ~/.msf4)
//	version print version information
package main

import (
	"fmt"
	"os"

	"github.com/msfmcp/msfmcp/pkg/ui"
	"github.com/msfmcp/msfmcp/pkg/version"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `%s - Metasploit Framework bridge for MCP clients

USAGE:
  %s <command> [flags]

COMMANDS:
  mcp       Start the MCP server (default: stdio transport)
  exec      Execute console commands once and print the result
  doctor    Check the environment and report what is missing
  version   Print version information

EXAMPLES:
  %s mcp --stdio
  %s mcp --http :8085 --config /etc/msf-mcp.yaml
  %s exec "version" "db_status"
  %s doctor

Run '%s <command> -h' for command flags.
`, version.Display, version.Name, version.Name, version.Name, version.Name, version.Name, version.Name)
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "mcp", "serve":
		runMCP()
	case "exec", "run":
		runExec()
	case "doctor", "check", "preflight":
		runDoctor()
	case "version", "-v", "--version":
		fmt.Printf("%s %s\n", version.Name, version.Version)
	case "help", "-h", "--help":
		printUsage()
	default:
		ui.PrintError(fmt.Sprintf("unknown command %q", os.Args[1]))
		printUsage()
		os.Exit(2)
	}
}
