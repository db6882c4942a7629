package main

import (
	"os"

	"github.com/austindbirch/harbor_feed/cmd/feedctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
