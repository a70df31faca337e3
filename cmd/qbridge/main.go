package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dataglider/qbridge/pkg/config"
	"github.com/dataglider/qbridge/pkg/connector/core"
	"github.com/dataglider/qbridge/pkg/connector/registry"
	"github.com/dataglider/qbridge/pkg/json"
	"github.com/dataglider/qbridge/pkg/logger"

	// Import all available connectors to register them
	_ "github.com/dataglider/qbridge/pkg/connector/sources/quickbase"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	var logLevel string

	root := &cobra.Command{
		Use:   "qbridge",
		Short: "qbridge - Quickbase incremental extraction engine",
		Long: `qbridge discovers the tables of a Quickbase application, derives a portable
schema per table, and extracts records incrementally by each table's
date_modified field.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logger.Init(logger.Config{
				Level:       logLevel,
				Encoding:    "console",
				OutputPaths: []string{"stderr"},
			})
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("qbridge v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List available source connectors",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Available Source Connectors:")
			for _, source := range registry.ListSources() {
				fmt.Printf("  - %s\n", source)
			}
		},
	})

	var configFile string

	discoverCmd := &cobra.Command{
		Use:   "discover",
		Short: "Discover the streams of the configured application",
		Long: `Discover lists every extractable stream of the configured Quickbase
application and prints each stream's schema, primary keys, and replication
key as JSON.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiscover(configFile)
		},
	}
	discoverCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to connector configuration YAML file (required)")
	_ = discoverCmd.MarkFlagRequired("config")
	root.AddCommand(discoverCmd)

	var stateFile, outputFile, metricsAddr string
	var timeout time.Duration

	extractCmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract records from the configured application",
		Long: `Extract reads every discovered stream and writes records as JSON lines.
When a state file is given, incremental streams resume from their saved
watermarks and the advanced watermarks are written back on success.

Example:
  qbridge extract --config quickbase.yaml --state state.json --output records.jsonl`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtract(configFile, stateFile, outputFile, metricsAddr, timeout)
		},
	}
	extractCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to connector configuration YAML file (required)")
	_ = extractCmd.MarkFlagRequired("config")
	extractCmd.Flags().StringVar(&stateFile, "state", "", "Path to the replication state JSON file (optional)")
	extractCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Path to write JSON lines to (default stdout)")
	extractCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address to serve prometheus metrics on (optional, e.g. :9090)")
	extractCmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "Extraction timeout")
	root.AddCommand(extractCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads a connector configuration, layering the file over the
// defaults so partial files stay valid.
func loadConfig(filename string) (*config.BaseConfig, error) {
	cfg := config.NewBaseConfig("quickbase", "quickbase")
	if err := config.Load(filename, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", filename, err)
	}
	return cfg, nil
}

func createSource(ctx context.Context, cfg *config.BaseConfig) (core.Source, error) {
	source, err := registry.CreateSource(cfg.Type, cfg)
	if err != nil {
		return nil, err
	}
	if err := source.Initialize(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize source: %w", err)
	}
	return source, nil
}

// streamInfo is the discover command's output shape for one stream.
type streamInfo struct {
	Stream         string       `json:"stream"`
	Schema         *core.Schema `json:"schema"`
	PrimaryKeys    []string     `json:"primary_keys"`
	ReplicationKey string       `json:"replication_key,omitempty"`
}

func runDiscover(configFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	ctx := context.Background()
	source, err := createSource(ctx, cfg)
	if err != nil {
		return err
	}
	defer source.Close(ctx) //nolint:errcheck

	streams, err := source.Discover(ctx)
	if err != nil {
		return fmt.Errorf("discovery failed: %w", err)
	}

	infos := make([]streamInfo, 0, len(streams))
	for _, stream := range streams {
		infos = append(infos, streamInfo{
			Stream:         stream.Name(),
			Schema:         stream.Schema(),
			PrimaryKeys:    stream.PrimaryKeys(),
			ReplicationKey: stream.ReplicationKey(),
		})
	}

	out, err := json.MarshalIndent(infos, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runExtract(configFile, stateFile, outputFile, metricsAddr string, timeout time.Duration) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Every log line of this run carries the run id, down through the
	// source's extraction goroutines.
	runID := fmt.Sprintf("run-%d", time.Now().UTC().Unix())
	ctx = context.WithValue(ctx, logger.RunIDKey, runID)
	ctx = context.WithValue(ctx, logger.ConnectorKey, cfg.Type)

	log := logger.WithContext(ctx).With(zap.String("component", "qbridge-cli"))

	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	source, err := createSource(ctx, cfg)
	if err != nil {
		return err
	}
	defer source.Close(ctx) //nolint:errcheck

	if stateFile != "" {
		state, err := loadState(stateFile)
		if err != nil {
			return err
		}
		if err := source.SetState(state); err != nil {
			return err
		}
	}

	out := os.Stdout
	if outputFile != "" {
		f, err := os.Create(outputFile)
		if err != nil {
			return fmt.Errorf("failed to create output file %s: %w", outputFile, err)
		}
		defer f.Close() //nolint:errcheck
		out = f
	}
	encoder := json.NewEncoder(out)

	log.Info("starting extraction",
		zap.String("config", configFile),
		zap.String("state", stateFile))
	startTime := time.Now()

	stream, err := source.Read(ctx)
	if err != nil {
		return fmt.Errorf("extraction failed to start: %w", err)
	}

	var count int64
	for record := range stream.Records {
		envelope := map[string]interface{}{
			"stream":       record.Metadata.StreamID,
			"extracted_at": record.Metadata.Timestamp.UTC().Format(time.RFC3339),
			"data":         record.Data,
		}
		err := encoder.Encode(envelope)
		record.Release()
		if err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
		count++
	}

	if err := <-stream.Errors; err != nil {
		return fmt.Errorf("extraction failed: %w", err)
	}

	duration := time.Since(startTime)
	log.Info("extraction completed",
		zap.Int64("records", count),
		zap.Duration("duration", duration),
		zap.Float64("records_per_second", float64(count)/duration.Seconds()))

	if stateFile != "" {
		if err := saveState(stateFile, source.GetState()); err != nil {
			return err
		}
	}

	return nil
}

func loadState(filename string) (core.State, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return make(core.State), nil
		}
		return nil, fmt.Errorf("failed to read state file %s: %w", filename, err)
	}

	var state core.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", filename, err)
	}
	return state, nil
}

func saveState(filename string, state core.State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write state file %s: %w", filename, err)
	}
	return nil
}
