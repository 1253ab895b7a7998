// Command loom is the command-line interface for the loom entity runtime.
package main

import "github.com/loomstack/loom/internal/cli"

func main() {
	cli.Execute()
}
