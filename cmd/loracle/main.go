// Package main is the entry point for the loracle voice assistant.
//
// Usage:
//
//	loracle [flags] <command> [args]
//
// Commands:
//
//	serve     - Run the assistant with wake word, speech and the HTTP API
//	chat      - Interactive console
//	ask       - Send one prompt and stream the reply to stdout
//	sessions  - List, show and delete stored sessions
//	models    - List the backend's models
package main

import (
	"fmt"
	"os"

	"github.com/loracle-dev/loracle/cmd/loracle/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
