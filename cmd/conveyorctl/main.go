// Command conveyorctl is the operator CLI for inspecting and intervening
// in a running conveyor deployment: queue stats, job listing and
// inspection, forcing a retry, and draining an agent's queue (spec.md
// §4.14 and §6.2).
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
