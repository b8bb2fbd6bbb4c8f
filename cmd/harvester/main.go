// Command harvester is the personal data sync agent and its control CLI.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/and161185/harvester/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "harvester:", err)
		os.Exit(1)
	}
}
