package main

import (
	"os"

	"github.com/paulgrammer/genbatch/cmd/batchgen/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
