// ABOUTME: Stand-in for the claude CLI that speaks stream-json, for local runs without an API key
// ABOUTME: Usage: runtime.claude_binary: fake-claude (or CLAUDE_BINARY=fake-claude)
package main

import (
	"fmt"
	"os"

	"github.com/2389/command-center/internal/runtime/claudecode"
)

func main() {
	fake := &claudecode.Fake{Stderr: os.Stderr}
	if err := fake.Run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "fake-claude: %v\n", err)
		os.Exit(1)
	}
}
