package main

import (
	"os"

	"github.com/purrrlove/webhook-engine/cmd/purrrctl/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
