// The main package for the fuelcrawler executable.
package main

import (
	"github.com/JakeFAU/fuel-price-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
