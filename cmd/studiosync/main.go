package main

import (
	"os"

	"github.com/pixelforge/studiosync/internal/cmd"
	"github.com/pixelforge/studiosync/internal/observability"
)

func main() {
	if err := cmd.Execute(); err != nil {
		observability.CLILogger.Error(err.Error())
		observability.Sync()
		os.Exit(1)
	}
}
