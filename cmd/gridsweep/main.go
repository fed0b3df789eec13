package main

import (
	"os"

	"github.com/psantana5/gridsweep/cmd/gridsweep/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
