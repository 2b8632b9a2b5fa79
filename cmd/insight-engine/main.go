package main

import (
	"context"
	"fmt"
	"os"

	"Mansoor88-6/analytics-telemetry/internal/cli"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	root := cli.NewRootCmd(cli.OpenEnv)
	root.Version = fmt.Sprintf("%s (%s)", version, commit)

	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
