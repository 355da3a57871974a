package main

import (
	"os"

	"github.com/quay/quay-sub006/registry"
)

func main() {
	if err := registry.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
