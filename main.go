// The main package for the seriesd executable.
package main

import (
	"github.com/econgraph/seriesd/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
