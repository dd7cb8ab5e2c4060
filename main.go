// The main package for the tariffscout executable.
package main

import (
	"github.com/netzbureau/tariffscout/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
