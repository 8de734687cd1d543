package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/cuemby/quarry/pkg/config"
	"github.com/cuemby/quarry/pkg/log"
	"github.com/cuemby/quarry/pkg/master"
	"github.com/cuemby/quarry/pkg/metrics"
	"github.com/cuemby/quarry/pkg/queryctl"
	"github.com/cuemby/quarry/pkg/storage"
	"github.com/cuemby/quarry/pkg/worker"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "quarry",
	Short: "Quarry - Distributed query execution cluster",
	Long: `Quarry runs scripted query programs across a cluster of three roles:
a master that schedules queries onto workers, workers that execute them
against demand-paged memory, and a storage node keeping a tag-versioned,
deduplicated block filesystem.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Quarry version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "", "Log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.AddCommand(masterCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(storageCmd)
	rootCmd.AddCommand(queryCmd)
}

// initLogging applies the config file level unless the flag overrides it
func initLogging(cmd *cobra.Command, configLevel string) {
	level, _ := cmd.Flags().GetString("log-level")
	if level == "" {
		level = configLevel
	}
	jsonOut, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Println("\nShutting down...")
}

// --- master ---

var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "Run the master scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg := &config.Master{}
		if err := config.Load(configPath, cfg); err != nil {
			return err
		}
		initLogging(cmd, cfg.LogLevel)
		metrics.Serve(cfg.MetricsListen)

		m, err := master.NewMaster(cfg)
		if err != nil {
			return err
		}
		if err := m.Start(); err != nil {
			return err
		}

		// Mirror the lifecycle event stream into the log.
		sub := m.Broker().Subscribe()
		go func() {
			for event := range sub {
				log.Logger.Debug().
					Str("event", string(event.Type)).
					Uint32("query_id", event.QueryID).
					Uint32("worker_id", event.WorkerID).
					Msg("Cluster event")
			}
		}()

		waitForSignal()
		m.Stop()
		return nil
	},
}

// --- worker ---

var workerCmd = &cobra.Command{
	Use:   "worker <worker-id>",
	Short: "Run a worker node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id64, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("worker id must be a non-negative integer: %w", err)
		}
		configPath, _ := cmd.Flags().GetString("config")

		cfg := &config.Worker{}
		if err := config.Load(configPath, cfg); err != nil {
			return err
		}
		initLogging(cmd, cfg.LogLevel)
		metrics.Serve(cfg.MetricsListen)

		w, err := worker.NewWorker(uint32(id64), cfg)
		if err != nil {
			return err
		}

		errCh := make(chan error, 1)
		go func() { errCh <- w.Run() }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
			w.Stop()
			<-errCh
			return nil
		case err := <-errCh:
			return err
		}
	},
}

// --- storage ---

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Run the storage node",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg := &config.Storage{}
		if err := config.Load(configPath, cfg); err != nil {
			return err
		}
		initLogging(cmd, cfg.LogLevel)
		metrics.Serve(cfg.MetricsListen)

		fs, err := storage.Mount(storage.Options{
			MountPoint:       cfg.MountPoint,
			FreshStart:       cfg.FreshStart,
			OperationDelay:   cfg.OperationDelay(),
			BlockAccessDelay: cfg.BlockAccessDelay(),
		})
		if err != nil {
			return err
		}

		srv := storage.NewServer(fs)
		if err := srv.Listen(cfg.ListenAddr()); err != nil {
			return err
		}

		waitForSignal()
		srv.Stop()
		return fs.Close()
	},
}

// --- query control ---

var queryCmd = &cobra.Command{
	Use:   "query <script-path> <priority>",
	Short: "Submit a query and stream its results",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("priority must be a non-negative integer: %w", err)
		}
		configPath, _ := cmd.Flags().GetString("config")

		cfg := &config.QueryControl{}
		if err := config.Load(configPath, cfg); err != nil {
			return err
		}
		initLogging(cmd, cfg.LogLevel)

		client, err := queryctl.Dial(cfg.MasterAddr())
		if err != nil {
			return err
		}
		defer client.Close()

		queryID, err := client.Submit(args[0], uint32(priority))
		if err != nil {
			return err
		}
		fmt.Printf("Query %d submitted\n", queryID)

		result, err := client.Await(func(chunk queryctl.ReadChunk) {
			fmt.Printf("[%s] %s\n", chunk.FileTag, chunk.Data)
		})
		if err != nil {
			return err
		}
		if !result.Success {
			return fmt.Errorf("query %d failed: %s", result.QueryID, result.Reason)
		}
		fmt.Printf("Query %d completed\n", result.QueryID)
		return nil
	},
}

func init() {
	masterCmd.Flags().String("config", "master.yaml", "Path to master config file")
	workerCmd.Flags().String("config", "worker.yaml", "Path to worker config file")
	storageCmd.Flags().String("config", "storage.yaml", "Path to storage config file")
	queryCmd.Flags().String("config", "query.yaml", "Path to query control config file")
}
