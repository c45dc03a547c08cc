// The main package for the grayscale CLI.
package main

import (
	"github.com/JakeFAU/grayscale-jobs/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
