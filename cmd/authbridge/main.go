// Command authbridge runs the agent authorization bridge.
package main

import (
	"os"

	"github.com/giantswarm/mcp-authbridge/cmd/authbridge/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
