// Command montage runs the Pro Montage agent: a loopback API that composes an
// avatar clip with a user video, plus one-shot tools for composing, previewing
// plans and inspecting the environment.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
