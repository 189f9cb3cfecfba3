package main

import (
	"os"

	"github.com/poni-dev/poni/cmd/poni/commands"
)

func main() {
	os.Exit(commands.Execute(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
