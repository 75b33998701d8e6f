// Command agentharnessd is the HTTP+SSE control-plane daemon of spec.md:
// it supervises interactive coding-agent CLI processes hosted in tmux and
// exposes them over the API in SPEC_FULL.md §6.1.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
