// Command crossdevice runs coordination scenarios and inspects persisted
// device state.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/crossdevice/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
