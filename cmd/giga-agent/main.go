package main

import (
	"os"

	"github.com/gigachain-team/giga-agent/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
