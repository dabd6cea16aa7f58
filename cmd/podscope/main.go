package main

import (
	"os"

	"github.com/protoscope/protoscope/pkg/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
