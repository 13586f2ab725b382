package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// newVersionCmd creates the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the drover version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("drover %s (%s/%s)\n", Version, runtime.GOOS, runtime.GOARCH)
		},
	}
}
