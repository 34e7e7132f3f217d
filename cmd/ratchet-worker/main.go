// Command ratchet-worker is the subprocess binary the worker pool (§4.C)
// spawns one of per slot. It speaks the IPC protocol over its own
// stdin/stdout and hosts at most one task execution at a time.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/michiel/ratchet-sub009/internal/ipc"
	"github.com/michiel/ratchet-sub009/internal/log"
	"github.com/michiel/ratchet-sub009/internal/worker"
)

func main() {
	if err := log.Initialize(true); err != nil {
		fmt.Fprintln(os.Stderr, "ratchet-worker: failed to initialize logging:", err)
	}
	defer log.Cleanup()

	workerID := os.Getenv("RATCHET_WORKER_ID")
	if workerID == "" {
		workerID = uuid.NewString()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	transport := ipc.NewTransport(os.Stdin, os.Stdout)
	transport.OnDiscardedLine = func(line []byte, err error) {
		log.Warnw("discarded malformed ipc line", "worker_id", workerID, "error", err.Error())
	}

	w := worker.New(transport, workerID)
	if err := w.Run(ctx); err != nil {
		log.Errorw("worker exiting on error", "worker_id", workerID, "error", err.Error())
		os.Exit(1)
	}
}
