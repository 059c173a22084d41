// Command taskmgr runs a batch of tasks described in a YAML file across the
// async, thread and process strategies and renders their progress.
//
//	taskmgr run --batch tasks.yaml --metrics-addr :9090
//
// The same binary serves PROCESS runs through the hidden worker subcommand.
package main

import (
	"context"
	"os"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
