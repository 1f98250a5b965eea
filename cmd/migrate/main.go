package main

import (
	"os"

	"autodm/cmd/cli"
)

// migrate is a standalone entry for deploy hooks: equivalent to `autodm migrate`.
func main() {
	os.Args = append([]string{os.Args[0], "migrate"}, os.Args[1:]...)
	cli.Execute()
}
