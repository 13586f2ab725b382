// Package main provides the entry point for the drover CLI.
package main

import (
	stderrors "errors"
	"fmt"
	"os"

	"github.com/randalmurphal/drover/internal/cli"
	"github.com/randalmurphal/drover/internal/errors"
)

func main() {
	err := cli.Execute()
	if err == nil {
		return
	}

	if stderrors.Is(err, cli.ErrInterrupted) {
		os.Exit(130)
	}
	if de := errors.AsDroverError(err); de != nil && de.Category() == errors.CategoryConfig {
		fmt.Fprintln(os.Stderr, "Fatal:", err)
		os.Exit(1)
	}
	os.Exit(1)
}
