package main

import "autodm/cmd/cli"

func main() {
	cli.Execute()
}
