// Package main is the entry point for the live-media-service binary.
package main

import (
	"os"

	"github.com/streamforge/live-media-service/cmd/live-media-service/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
