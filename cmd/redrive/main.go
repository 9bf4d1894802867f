package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/relayforge/redrive/contracts"
	"github.com/relayforge/redrive/internal/config"
	"github.com/relayforge/redrive/internal/reliability"
	"github.com/relayforge/redrive/internal/storage"
	"github.com/relayforge/redrive/messaging"
	"github.com/relayforge/redrive/monitor"
	"github.com/relayforge/redrive/transports/rabbitmq"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "redrive",
		Short: "Run and operate the redrive consumption core",
		Long: `Redrive runs the resilient message consumer and operates its dead
letter store: declare broker topology, run the worker pool, and inspect,
replay or watch archived records.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config file")

	var metricsAddr string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the consumer: worker pool, retry routing and DLQ monitor",
		Long: `Run consumes the main destination through the message router with a
logging sink handler; expired retry tiers feed back into main on the
broker side. Embedders replace the sink by building their own binary on
the messaging package; run is the operational scaffold and smoke
consumer.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runConsumer(cmd.Context(), cfg, logger, metricsAddr)
		},
	}
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")

	topologyCmd := &cobra.Command{
		Use:   "topology",
		Short: "Manage broker topology",
	}

	topologyDeclareCmd := &cobra.Command{
		Use:   "declare",
		Short: "Declare the exchange, main, retry and dead-letter queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			transport, cleanup, err := openTransport(cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := transport.DeclareTopology(cmd.Context()); err != nil {
				return fmt.Errorf("declare topology: %w", err)
			}

			fmt.Printf("Declared topology for prefix %q with %d retry levels\n",
				cfg.Broker.QueuePrefix, cfg.Retry.MaxRetries)
			return nil
		},
	}
	topologyCmd.AddCommand(topologyDeclareCmd)

	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead letter records",
	}

	var (
		listClass string
		listSince time.Duration
		listLimit int
	)
	dlqListCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letter records",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			store, closeStore, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			filter := messaging.RecordFilter{
				ErrorClass: listClass,
				Limit:      listLimit,
			}
			if listSince > 0 {
				filter.Since = time.Now().UTC().Add(-listSince)
			}

			records, err := store.List(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("list records: %w", err)
			}

			printRecords(records)
			return nil
		},
	}
	dlqListCmd.Flags().StringVar(&listClass, "class", "", "Filter by final error class (transient, permanent, circuit_open)")
	dlqListCmd.Flags().DurationVar(&listSince, "since", 0, "Only records archived within this duration (e.g. 24h)")
	dlqListCmd.Flags().IntVarP(&listLimit, "limit", "n", 50, "Maximum number of records")

	dlqShowCmd := &cobra.Command{
		Use:   "show <record-id>",
		Short: "Show one record including its failure history and payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			store, closeStore, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			record, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get record: %w", err)
			}

			printRecordDetail(record)
			return nil
		},
	}

	dlqReplayCmd := &cobra.Command{
		Use:   "replay <record-id>",
		Short: "Republish an archived message to the main destination",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			store, closeStore, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			transport, cleanup, err := openTransport(cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			manager := messaging.NewDeadLetterManager(store, transport,
				messaging.WithDeadLetterLogger(logger),
			)

			msg, err := manager.Replay(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("replay record: %w", err)
			}

			fmt.Printf("Replayed record %s as message %s\n", args[0], msg.ID)
			return nil
		},
	}

	var watchInterval time.Duration
	dlqWatchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch dead letter occupancy and alert on threshold crossings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			store, closeStore, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			manager := messaging.NewDeadLetterManager(store, unreachablePublisher{},
				messaging.WithDeadLetterLogger(logger),
			)
			m := monitor.NewOccupancyMonitor(manager, cfg.DeadLetter.AlertThreshold,
				monitor.WithPollInterval(watchInterval),
				monitor.WithMonitorLogger(logger),
			)

			fmt.Printf("Watching dead letter occupancy (threshold %d, every %s)... Press Ctrl+C to stop\n",
				cfg.DeadLetter.AlertThreshold, watchInterval)

			m.Start(ctx)
			<-ctx.Done()
			m.Stop()
			return nil
		},
	}
	dlqWatchCmd.Flags().DurationVarP(&watchInterval, "interval", "i", 30*time.Second, "Polling interval")

	dlqCmd.AddCommand(dlqListCmd, dlqShowCmd, dlqReplayCmd, dlqWatchCmd)

	rootCmd.AddCommand(runCmd, topologyCmd, dlqCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func runConsumer(parent context.Context, cfg config.Config, logger *slog.Logger, metricsAddr string) error {
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var (
		store      messaging.RecordStore
		closeStore = func() {}
	)
	if cfg.DeadLetter.PostgresDSN != "" {
		var err error
		store, closeStore, err = openStore(ctx, cfg)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("no deadletter.postgresdsn configured, records are kept in memory")
		store = messaging.NewInMemoryRecordStore()
	}
	defer closeStore()

	transport, cleanup, err := openTransport(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := transport.DeclareTopology(ctx); err != nil {
		return fmt.Errorf("declare topology: %w", err)
	}

	reg := prometheus.NewRegistry()
	collector := monitor.NewPrometheusCollector(reg)
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer server.Shutdown(context.Background())
		logger.Info("serving metrics", "addr", metricsAddr)
	}

	manager := messaging.NewDeadLetterManager(store, transport,
		messaging.WithDeadLetterLogger(logger),
		messaging.WithDeadLetterMetrics(collector),
	)

	breakers := reliability.NewBreakerGroup(
		reliability.WithFailureThreshold(cfg.Breaker.FailureThreshold),
		reliability.WithResetTimeout(cfg.Breaker.ResetTimeout),
		reliability.WithStateChangeFunc(func(key string, from, to reliability.State) {
			logger.Warn("circuit breaker state change",
				"key", key,
				"from", from.String(),
				"to", to.String(),
			)
		}),
	)

	// Sink handler: log and succeed. Embedders supply real handlers through
	// the messaging package.
	handler := messaging.Chain(func(ctx context.Context, payload []byte) error {
		logger.Debug("consumed message", "bytes", len(payload))
		return nil
	}, messaging.RecoveryMiddleware(), messaging.LoggingMiddleware(logger))

	router, err := messaging.NewMessageRouter("sink", handler, transport, manager,
		messaging.WithRetryPolicy(cfg.RetryPolicy()),
		messaging.WithBreakerGroup(breakers),
		messaging.WithRouterMetrics(collector),
		messaging.WithRouterLogger(logger),
	)
	if err != nil {
		return err
	}

	destinations := []string{messaging.DestinationMain}
	pool, err := messaging.NewWorkerPool(transport, router, destinations,
		messaging.WithConcurrency(cfg.Consumer.Workers),
		messaging.WithWorkerLogger(logger),
	)
	if err != nil {
		return err
	}

	occupancy := monitor.NewOccupancyMonitor(manager, cfg.DeadLetter.AlertThreshold,
		monitor.WithPollInterval(cfg.DeadLetter.PollInterval),
		monitor.WithMonitorMetrics(collector),
		monitor.WithMonitorLogger(logger),
	)

	if err := pool.Start(ctx); err != nil {
		return err
	}
	occupancy.Start(ctx)

	logger.Info("consumer running",
		"workers", cfg.Consumer.Workers,
		"maxRetries", cfg.Retry.MaxRetries,
	)

	<-ctx.Done()
	logger.Info("shutting down")
	occupancy.Stop()
	pool.Stop()
	return nil
}

func loadConfig(path string) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, nil, err
	}
	logger, err := cfg.Logger()
	if err != nil {
		return cfg, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func openStore(ctx context.Context, cfg config.Config) (messaging.RecordStore, func(), error) {
	if cfg.DeadLetter.PostgresDSN == "" {
		return nil, nil, fmt.Errorf("dlq commands require deadletter.postgresdsn")
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DeadLetter.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to dead letter store: %w", err)
	}

	store := storage.NewPostgresRecordStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, func() { db.Close() }, nil
}

func openTransport(cfg config.Config, logger *slog.Logger) (*rabbitmq.Transport, func(), error) {
	cm := rabbitmq.NewConnectionManager(cfg.Broker.URL,
		rabbitmq.WithConnectionLogger(logger),
	)
	if err := cm.Connect(context.Background()); err != nil {
		return nil, nil, err
	}

	transport, err := rabbitmq.NewTransport(cm,
		rabbitmq.WithQueuePrefix(cfg.Broker.QueuePrefix),
		rabbitmq.WithRetryPolicy(cfg.RetryPolicy()),
		rabbitmq.WithTransportLogger(logger),
	)
	if err != nil {
		cm.Close()
		return nil, nil, err
	}

	cleanup := func() {
		transport.Close()
		cm.Close()
	}
	return transport, cleanup, nil
}

// unreachablePublisher backs read-only commands that never replay.
type unreachablePublisher struct{}

func (unreachablePublisher) Publish(ctx context.Context, destination string, msg *contracts.Message, options ...messaging.PublishOption) error {
	return fmt.Errorf("publishing is not available in this command")
}

func printRecords(records []*contracts.DeadLetterRecord) {
	if len(records) == 0 {
		fmt.Println("No dead letter records found")
		return
	}

	fmt.Printf("%-36s %-36s %-14s %-8s %-25s %-10s\n",
		"Record ID", "Message ID", "Class", "Attempts", "Finalized", "Replayed")
	fmt.Println(strings.Repeat("-", 135))

	for _, r := range records {
		class, attempts := historySummary(r)
		replayed := "no"
		if r.ReplayedAt != nil {
			replayed = "yes"
		}
		fmt.Printf("%-36s %-36s %-14s %-8d %-25s %-10s\n",
			r.ID,
			r.Message.ID,
			class,
			attempts,
			r.FinalizedAt.Format(time.RFC3339),
			replayed,
		)
	}
}

func printRecordDetail(r *contracts.DeadLetterRecord) {
	fmt.Printf("Record ID:    %s\n", r.ID)
	fmt.Printf("Message ID:   %s\n", r.Message.ID)
	fmt.Printf("Finalized At: %s\n", r.FinalizedAt.Format(time.RFC3339))
	if r.ReplayedAt != nil {
		fmt.Printf("Replayed At:  %s\n", r.ReplayedAt.Format(time.RFC3339))
	}

	fmt.Println("Failure History:")
	for _, event := range r.FailureHistory {
		fmt.Printf("  attempt %d  %-14s %s\n",
			event.Attempt, event.ErrorClass, event.Timestamp.Format(time.RFC3339))
	}

	fmt.Println("Attributes:")
	for _, attr := range r.Message.Attributes() {
		fmt.Printf("  %s: %s\n", attr.Key, attr.Value)
	}

	fmt.Printf("Payload:\n%s\n", string(r.Message.Payload))
}

func historySummary(r *contracts.DeadLetterRecord) (string, int) {
	if len(r.FailureHistory) == 0 {
		return "unknown", 0
	}
	last := r.FailureHistory[len(r.FailureHistory)-1]
	return last.ErrorClass, last.Attempt + 1
}
