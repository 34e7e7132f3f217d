// Command ratchetd is the coordinator process (§1): it owns the store,
// task registry, job queue, worker pool, dispatcher, and scheduler, and
// runs them until an interrupt triggers the shutdown sequence of §5.
// Grounded on cmd/qntx/commands/pulse.go's pulse start command (load
// config -> open+migrate db -> build pool -> build ticker -> run until
// signal -> ordered shutdown).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/michiel/ratchet-sub009/cmd/ratchetd/commands"
	"github.com/michiel/ratchet-sub009/internal/log"
)

var rootCmd = &cobra.Command{
	Use:   "ratchetd",
	Short: "ratchetd - task automation coordinator",
	Long: `ratchetd is the coordinator for a durable, cron- and queue-driven
task automation system. It discovers JavaScript task bundles, supervises a
pool of sandboxed worker subprocesses, dispatches queued and scheduled
jobs to them, and delivers their output to configured destinations.`,
}

func init() {
	rootCmd.AddCommand(commands.ServeCmd)
}

func main() {
	if err := log.Initialize(false); err != nil {
		fmt.Fprintln(os.Stderr, "ratchetd: failed to initialize logging:", err)
	}
	defer log.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
