// Command conclave is the CLI front door over the cluster runtime.
//
// Exit codes: 0 success, 1 validation error, 2 runtime error, 130
// cancelled by the operator.
package main

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/loomwork/conclave/internal/cluster"
	"github.com/loomwork/conclave/internal/cmd"
)

var version = "dev"

func main() {
	shutdown, err := cmd.SetupTelemetry(version)
	if err != nil {
		log.Printf("[main] telemetry setup failed: %v", err)
	}

	runErr := cmd.Execute()

	if shutdown != nil {
		if err := shutdown(); err != nil {
			log.Printf("[main] telemetry shutdown: %v", err)
		}
	}

	os.Exit(exitCode(runErr))
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "conclave: %v\n", err)

	var invalid *cluster.ConfigInvalidError
	switch {
	case errors.Is(err, cmd.ErrInterrupted):
		return 130
	case errors.As(err, &invalid):
		return 1
	default:
		return 2
	}
}
