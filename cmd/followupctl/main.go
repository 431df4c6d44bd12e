// Command followupctl works the day's follow-up tasks from a terminal and
// keeps working while the service is unreachable.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(openSession).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
