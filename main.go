// The main package for the oflc-harvester executable.
package main

import (
	"github.com/JakeFAU/oflc-harvester/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
