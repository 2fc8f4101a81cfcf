// Package main is the entry point for the engram CLI.
//
// Usage:
//
//	engram [flags] <command> [args]
//
// Commands:
//
//	record   - Append an event to the memory engine
//	search   - Semantic search over stored events
//	context  - Assemble the context block for a session
//	stats    - Show record counts and index health
//	rebuild  - Recreate the vector index from stored embeddings
//	flush    - Run one maintenance cycle now
package main

import (
	"fmt"
	"os"

	"github.com/engramdb/engram/cmd/engram/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
