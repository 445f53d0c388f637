package main

import (
	"os"

	"github.com/aegis-sec/aegis/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
