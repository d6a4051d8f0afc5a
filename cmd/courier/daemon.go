package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fentz26/courier/internal/audit"
	"github.com/fentz26/courier/internal/config"
	"github.com/fentz26/courier/internal/connectors"
	"github.com/fentz26/courier/internal/connectors/inproc"
	"github.com/fentz26/courier/internal/connectors/localexec"
	"github.com/fentz26/courier/internal/controlplane"
	"github.com/fentz26/courier/internal/dispatcher"
	"github.com/fentz26/courier/internal/metrics"
	"github.com/fentz26/courier/internal/models"
	"github.com/fentz26/courier/internal/partners"
	"github.com/fentz26/courier/internal/store"
	"github.com/fentz26/courier/internal/strategy"
	"github.com/fentz26/courier/internal/supervisor"
	"github.com/spf13/cobra"
)

var (
	listenAddr  string
	dbPath      string
	workerCount int
	workerMode  string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the courier daemon",
	Long:  `Starts the worker pool, the partner allocator and the HTTP API.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides config)")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
	daemonCmd.Flags().IntVar(&workerCount, "workers", 0, "Number of workers (overrides config)")
	daemonCmd.Flags().StringVar(&workerMode, "mode", "", "Worker mode: inproc or process (overrides config)")
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.LoadFromHome()
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if workerCount > 0 {
		cfg.Workers.Count = workerCount
	}
	if workerMode != "" {
		cfg.Workers.Mode = workerMode
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Println("Starting courier daemon...")

	s, err := store.New(cfg.DBPath)
	if err != nil {
		return err
	}

	pdr := audit.NewPDRWriter(s)
	m := metrics.New()

	spawner, err := newSpawner(cfg)
	if err != nil {
		s.Close()
		return err
	}

	size := cfg.WorkerCount()
	sup := supervisor.New(spawner, size, pdr, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.Start(ctx); err != nil {
		s.Close()
		return fmt.Errorf("start workers: %w", err)
	}
	log.Printf("Started %d %s workers", size, spawner.Name())

	selection, err := partners.ParseSelection(cfg.Partners.Selection)
	if err != nil {
		sup.Stop()
		s.Close()
		return err
	}
	alloc := partners.New(cfg.Partners.Pool, cfg.Partners.GrantDuration,
		partners.WithSelection(selection),
		partners.WithMetrics(m),
		partners.WithReleaseHook(func(p models.Partner) {
			if _, err := pdr.Record("partner.release", p, "success", strconv.Itoa(p.ID), p.Name); err != nil {
				log.Printf("Failed to record partner release: %v", err)
			}
		}),
	)

	prio, err := strategy.New(cfg.Dispatch.PriorityStrategy)
	if err != nil {
		alloc.Stop()
		sup.Stop()
		s.Close()
		return err
	}

	d := dispatcher.New(sup, alloc, dispatcher.Options{
		PriorityStrategy: prio,
		RedrainInterval:  cfg.Dispatch.RedrainInterval,
		Rules:            routingRules(cfg.Dispatch.Rules),
		Orders:           s,
		PDR:              pdr,
		Metrics:          m,
	})
	d.Start()

	service := controlplane.NewService(d, sup, alloc, s)
	server := controlplane.NewServer(service, cfg.Listen)
	server.SetMetrics(m)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		err := server.Start()
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, initiating graceful shutdown...", sig)
	case err := <-serverErr:
		if err != nil {
			log.Printf("Server error: %v", err)
			runErr = err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Println("Shutting down HTTP server...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	d.Stop()
	alloc.Stop()

	log.Println("Stopping workers...")
	sup.Stop()
	cancel()

	log.Println("Closing database connection...")
	if err := s.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}

	log.Println("Shutdown complete")
	return runErr
}

func newSpawner(cfg *config.Config) (connectors.Spawner, error) {
	switch cfg.Workers.Mode {
	case config.ModeProcess:
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate courier binary: %w", err)
		}
		args := []string{"worker", "--latency", cfg.Workers.SimulatedLatency.String()}
		return localexec.New(exe, args, nil, cfg.Workers.MailboxSize), nil
	default:
		return inproc.New(connectors.SimulatedHandler(cfg.Workers.SimulatedLatency), cfg.Workers.MailboxSize), nil
	}
}

func routingRules(in []config.RoutingRule) []dispatcher.Rule {
	rules := make([]dispatcher.Rule, 0, len(in))
	for _, r := range in {
		rules = append(rules, dispatcher.Rule{Prefix: r.Prefix, Lane: r.Lane, Priority: r.Priority})
	}
	return rules
}
