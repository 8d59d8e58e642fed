// flippio records, reverts and syncs edits to SQLite databases inside
// mobile app sandboxes.
package main

import (
	"errors"
	"fmt"
	"os"

	"flippio/internal/history"
)

func main() {
	root := newRootCmd(newApp(os.Stdout, os.Stderr))
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "flippio: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the process exit status: 2 for bad input, 3
// when an edit was recorded but never reached the device, 1 otherwise.
func exitCode(err error) int {
	switch {
	case errors.Is(err, history.ErrInvalidArgument):
		return 2
	case errors.Is(err, history.ErrPush):
		return 3
	default:
		return 1
	}
}
