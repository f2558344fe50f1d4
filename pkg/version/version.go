// Package version carries build identity shared by the CLI and the MCP
// server surfaces.
package version

const (
	// Name is the binary name.
	Name = "msf-mcp"

	// Display is the human-readable product name.
	Display = "Metasploit MCP Bridge"
)

// Version is the release version, overridable at build time via
// -ldflags "-X github.com/msfmcp/msfmcp/pkg/version.Version=...".
var Version = "0.9.0"
