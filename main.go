// Command driftchat runs the chat room server and its maintenance tasks.
package main

import (
	"os"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
