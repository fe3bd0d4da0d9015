// Command econctl inspects and reconciles the economy engine's stores.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/warp/economy-engine/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "econctl:", err)
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(cli.ExitCommandError)
	}
}
