// The entrypoint for the duskline CLI.
package main

import (
	"log"

	"duskline/cmd/duskline/commands"
)

// Initialises and executes the command hierarchy.
func main() {
	if err := commands.Execute(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
