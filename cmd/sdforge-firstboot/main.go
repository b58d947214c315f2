package main

import (
	"fmt"
	"os"

	"github.com/sdforge/sdforge/internal/cli"
)

func main() {
	if err := cli.FirstBootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
