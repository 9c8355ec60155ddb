// Command speechd bridges the device message bus to a speech recognition
// engine.
//
// Usage:
//
//	speechd serve --config speechd.yaml
//	speechd providers
//	speechd version
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
