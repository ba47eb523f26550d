// Command listsync keeps private and shared lists in sync with a list store.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/listsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
