// Command tirion-client is an example workload instrumented with tirion. It
// updates four metrics in a loop until its runtime is over or the agent goes
// away.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}
