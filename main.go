// Package main is the entry point for the flowpath switching datapath.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/flowpath/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
