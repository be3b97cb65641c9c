// Command fieldsync manages the offline cache and pending-action queue of
// a field-operations client.
package main

import (
	"os"

	"github.com/mesh-intelligence/fieldsync/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
