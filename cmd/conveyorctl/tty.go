package main

import (
	"os"

	"github.com/mattn/go-isatty"
)

// isInteractive reports whether stdout is an attached terminal, used to
// decide whether drain's confirmation echo gets a highlighted banner or
// stays plain for scripted/piped invocations.
func isInteractive() bool {
	return isatty.IsTerminal(os.Stdout.Fd())
}

const (
	ansiBold  = "\x1b[1m"
	ansiReset = "\x1b[0m"
)

func highlight(s string) string {
	if !isInteractive() {
		return s
	}
	return ansiBold + s + ansiReset
}
