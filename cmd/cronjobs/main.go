// Command cronjobs runs the HTTP job scheduler: the control API, the
// dispatcher that claims due jobs, and the workers that call targets.
//
// Usage:
//
//	cronjobs migrate      # create tables
//	cronjobs all          # API, dispatcher and worker in one process
//	cronjobs api          # control API only
//	cronjobs dispatcher   # dispatcher only
//	cronjobs worker       # worker only
//
// Configuration is read from CRONJOBS_* environment variables.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
