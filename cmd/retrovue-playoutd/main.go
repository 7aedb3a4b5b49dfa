// Package main is the entry point for the retrovue-playoutd daemon.
package main

import (
	"os"

	"github.com/jmylchreest/retrovue-playoutd/cmd/retrovue-playoutd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
