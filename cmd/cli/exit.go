package main

import (
	"fmt"
	"os"

	"github.com/msfmcp/msfmcp/pkg/ui"
)

// exitWithError prints a formatted error message and exits with code 1.
func exitWithError(format string, args ...any) {
	ui.PrintError(fmt.Sprintf(format, args...))
	os.Exit(1)
}

// envOrDefault returns the environment variable value if set, otherwise
// the default.
func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
