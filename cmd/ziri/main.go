// Package main provides the entry point for the ziri CLI.
package main

import (
	"os"

	"github.com/zirihq/ziri/cmd/ziri/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
