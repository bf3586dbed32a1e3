package main

import (
	"os"

	"github.com/weftmem/weft/internal/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
