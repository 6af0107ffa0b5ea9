// Command techrag is the entry point for the technique research engine.
// It provides a CLI interface (via Cobra) for indexing reference material,
// queueing and running research tasks, and an HTTP server for the API.
package main

import (
	"fmt"
	"os"

	"github.com/v3ct0r/techrag-go/cmd/techrag/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
