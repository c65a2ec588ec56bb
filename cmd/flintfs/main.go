package main

import (
	"fmt"
	"os"

	"github.com/marmos91/flintfs/cmd/flintfs/commands"

	// Import prometheus metrics to register init() functions
	_ "github.com/marmos91/flintfs/pkg/metrics/prometheus"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
