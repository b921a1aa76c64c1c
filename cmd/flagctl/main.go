// Command flagctl inspects and edits feature flags of one project
// environment, routing edits through change requests when the environment
// requires approvals.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand(defaultCLI()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
