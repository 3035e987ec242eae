// The main package for the frontier executable.
package main

import (
	"github.com/JakeFAU/url-frontier/cmd"
)

func main() {
	cmd.Execute()
}
