package main

import (
	"os"

	"github.com/scaleproject/scale/cmd/scheduler/cmd"
	"github.com/scaleproject/scale/internal/common/logging"
)

func main() {
	logging.ConfigureCliLogging()
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
