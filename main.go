// The main package for the ev-price-tracker executable.
package main

import (
	"github.com/JakeFAU/ev-price-tracker/cmd"
)

func main() {
	cmd.Execute()
}
