// Command warden is Agentic-Warden's entrypoint: a local supervisory
// runtime that tracks concurrently running AI CLI sub-agents, identifies
// their process ancestry, and routes tool requests across downstream MCP
// servers, per SPEC_FULL §1-4.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}
