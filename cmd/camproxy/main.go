package main

import (
	"os"

	"camproxy/cmd/camproxy/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
