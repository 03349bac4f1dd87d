// Package main is the entry point for the coe CLI.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "coe:", err)
		os.Exit(1)
	}
}
