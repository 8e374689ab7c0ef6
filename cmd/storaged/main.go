// Command storaged runs the storage-server core as a standalone daemon.
package main

import (
	"fmt"
	"os"

	"github.com/gridshare/storaged/cmd/storaged/commands"

	// Import prometheus metrics to register init() functions
	_ "github.com/gridshare/storaged/pkg/metrics/prometheus"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
