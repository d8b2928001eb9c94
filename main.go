package main

import (
	"os"

	"github.com/projecteru2/deploykit/cmd"
	cmdcore "github.com/projecteru2/deploykit/cmd/core"
)

func main() {
	if err := cmd.Execute(); err != nil {
		cmdcore.ReportError(err)
		os.Exit(1)
	}
}
