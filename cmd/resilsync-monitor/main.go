package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kindred-app/resilsync/crypto"
	"github.com/kindred-app/resilsync/queue"
	"github.com/kindred-app/resilsync/storage"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// config mirrors the engine's queue settings so the CLI can open the same
// durable store a client device left behind.
type config struct {
	QueuePath     string        `yaml:"queuePath"`
	EncryptionKey string        `yaml:"encryptionKey"`
	MaxQueueSize  int           `yaml:"maxQueueSize"`
	MaxRetention  time.Duration `yaml:"maxRetention"`
}

func loadConfig(path string) (*config, error) {
	cfg := &config{
		QueuePath:    "resilsync.db",
		MaxQueueSize: 1000,
		MaxRetention: 72 * time.Hour,
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func openQueue(cfg *config, logger *slog.Logger) (*queue.PersistenceQueue, *storage.SQLiteStore, error) {
	store, err := storage.NewSQLiteStore(cfg.QueuePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open queue store: %w", err)
	}

	opts := []queue.Option{
		queue.WithStore(store),
		queue.WithLogger(logger),
		queue.WithMaxQueueSize(cfg.MaxQueueSize),
		queue.WithMaxRetention(cfg.MaxRetention),
	}
	if cfg.EncryptionKey != "" {
		enc, err := crypto.NewAESEncryptor([]byte(cfg.EncryptionKey))
		if err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("failed to build encryptor: %w", err)
		}
		opts = append(opts, queue.WithEncryptor(enc))
	}

	q, err := queue.NewPersistenceQueue(opts...)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to open queue: %w", err)
	}
	return q, store, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "resilsync-monitor",
		Short: "Inspect and manage resilsync persistence queues",
		Long: `Resilsync Monitor is a CLI tool for inspecting the durable operation
queue a sync engine leaves on disk. It lists pending operations, reports
queue statistics, and drains operations that should no longer be retried.
Payload content stays encrypted; only operation metadata is shown.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	// Global flags
	var (
		configPath string
		queuePath  string
		verbose    bool
	)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVarP(&queuePath, "queue", "q", "", "Path to the queue database (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	newLogger := func() *slog.Logger {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
	}

	resolveConfig := func() (*config, error) {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return nil, err
		}
		if queuePath != "" {
			cfg.QueuePath = queuePath
		}
		return cfg, nil
	}

	// Queue command
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the persistence queue",
		Long:  "List pending operations, report statistics, and drain entries",
	}

	// Queue list command
	queueListCmd := &cobra.Command{
		Use:   "list",
		Short: "List pending operations in priority order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			q, store, err := openQueue(cfg, newLogger())
			if err != nil {
				return err
			}
			defer store.Close()
			defer q.Close()

			printOperations(q.Pending())
			return nil
		},
	}

	// Queue stats command
	queueStatsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth and lifetime counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			q, store, err := openQueue(cfg, newLogger())
			if err != nil {
				return err
			}
			defer store.Close()
			defer q.Close()

			printStats(q.GetStats(), cfg)
			return nil
		},
	}

	// Queue drain command
	var drainCount int
	queueDrainCmd := &cobra.Command{
		Use:   "drain",
		Short: "Remove pending operations from the queue",
		Long:  "Pops operations in priority order and deletes them from the durable store. Drained operations will not be retried.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			q, store, err := openQueue(cfg, newLogger())
			if err != nil {
				return err
			}
			defer store.Close()
			defer q.Close()

			drained := q.Drain(context.Background(), drainCount)
			for _, op := range drained {
				fmt.Printf("drained %s (priority %s, %d attempts)\n",
					op.Request.OperationID, op.Request.Priority, op.Attempts)
			}
			fmt.Printf("Drained %d operations from %s\n", len(drained), cfg.QueuePath)
			return nil
		},
	}
	queueDrainCmd.Flags().IntVarP(&drainCount, "count", "n", 1, "Number of operations to drain")

	queueCmd.AddCommand(queueListCmd, queueStatsCmd, queueDrainCmd)

	rootCmd.AddCommand(queueCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// Output formatting functions

func printOperations(ops []queue.QueuedOperation) {
	if len(ops) == 0 {
		fmt.Println("No pending operations")
		return
	}

	fmt.Printf("%-38s %-18s %-16s %-10s %-15s %-10s\n",
		"Operation ID", "Priority", "Entity Type", "Attempts", "Last Category", "Age")
	fmt.Println(strings.Repeat("-", 110))

	for _, op := range ops {
		category := string(op.LastCategory)
		if category == "" {
			category = "-"
		}
		fmt.Printf("%-38s %-18s %-16s %-10d %-15s %-10s\n",
			truncate(op.Request.OperationID, 38),
			op.Request.Priority,
			truncate(op.Request.Payload.EntityType, 16),
			op.Attempts,
			category,
			time.Since(op.EnqueuedAt).Truncate(time.Second),
		)
	}
}

func printStats(stats queue.Stats, cfg *config) {
	fmt.Printf("Queue: %s\n", cfg.QueuePath)
	fmt.Printf("  Depth: %d / %d\n", stats.Depth, cfg.MaxQueueSize)
	if len(stats.ByPriority) > 0 {
		fmt.Printf("  By priority:\n")
		for priority, count := range stats.ByPriority {
			fmt.Printf("    %-18s %d\n", priority, count)
		}
	}
	fmt.Printf("\nLifetime counters:\n")
	fmt.Printf("  Enqueued: %d\n", stats.TotalEnqueued)
	fmt.Printf("  Recovered: %d\n", stats.TotalRecovered)
	fmt.Printf("  Expired: %d\n", stats.TotalExpired)
	fmt.Printf("  Evicted: %d\n", stats.TotalEvicted)
	fmt.Printf("  Rejected: %d\n", stats.TotalRejected)

	if stats.EncryptionFailures > 0 || stats.PersistenceFailures > 0 {
		fmt.Printf("\nWARNINGS:\n")
		if stats.EncryptionFailures > 0 {
			fmt.Printf("  Encryption failures: %d\n", stats.EncryptionFailures)
		}
		if stats.PersistenceFailures > 0 {
			fmt.Printf("  Persistence failures: %d\n", stats.PersistenceFailures)
		}
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
