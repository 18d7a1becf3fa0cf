// The main package for the bookrelay executable.
package main

import (
	"github.com/JakeFAU/book-relay/cmd"
)

func main() {
	cmd.Execute()
}
