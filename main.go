// The main package for the genprogress executable.
package main

import (
	"github.com/JakeFAU/genprogress/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
