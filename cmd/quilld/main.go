// Command quilld runs the quill public-records agent engine: queue
// workers, the run reaper, and the follow-up dispatcher, plus operator
// commands for dead letters.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
