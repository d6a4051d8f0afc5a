package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fentz26/courier/internal/connectors"
	"github.com/fentz26/courier/internal/connectors/localexec"
	"github.com/spf13/cobra"
)

var workerLatency time.Duration

// workerCmd is the child side of process mode. Stdout carries the protocol,
// so all logging goes to stderr.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run as a pool worker (started by the daemon)",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		log.SetOutput(os.Stderr)
		log.SetPrefix("[worker " + strconv.Itoa(os.Getpid()) + "] ")

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return localexec.Serve(ctx, os.Stdin, os.Stdout, connectors.SimulatedHandler(workerLatency))
	},
}

func init() {
	workerCmd.Flags().DurationVar(&workerLatency, "latency", 100*time.Millisecond, "Simulated handling time per item")
}
