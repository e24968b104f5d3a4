// The main package for the sitegraph executable.
package main

import (
	"github.com/JakeFAU/sitegraph-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
