// Command storaged-crawlstate offline-migrates a legacy pickled crawler
// state file to the JSON schema this module's crawler reads natively
// (§4.I).
package main

import (
	"fmt"
	"os"

	"github.com/gridshare/storaged/cmd/storaged-crawlstate/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
