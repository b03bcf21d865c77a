// Package main is the entry point for the talos IndieAuth server.
package main

import (
	"os"

	"github.com/myquay/talos/cmd/talos/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
