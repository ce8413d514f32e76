// Command datanode runs one data-node storage core: the location
// manager, chunk registry, write session manager, block store and RPC
// surface for a single node.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof is intentionally available when --pprof flag is set
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"datanode/internal/bootstrap"
	"datanode/internal/logging"
	"datanode/internal/memtracker"
	"datanode/internal/throttle"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug, // Allow all levels; filtering done by ComponentFilterHandler
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "datanode",
		Short: "Data-node storage core",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			pprofAddr, _ := cmd.Flags().GetString("pprof")
			if pprofAddr != "" {
				go func() {
					logger.Info("pprof server listening", "addr", pprofAddr)
					pprofSrv := &http.Server{Addr: pprofAddr, Handler: nil, ReadHeaderTimeout: 10 * time.Second}
					if err := pprofSrv.ListenAndServe(); err != nil {
						logger.Error("pprof server error", "error", err)
					}
				}()
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().String("pprof", "", "pprof HTTP server address (e.g. localhost:6060). WARNING: exposes CPU/memory profiles and goroutine dumps -- bind to loopback only, never expose publicly")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the data node",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			addrOverride, _ := cmd.Flags().GetString("addr")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return run(ctx, logger, configPath, addrOverride)
		},
	}
	serveCmd.Flags().String("config", "", "path to the node's JSON configuration file (required)")
	serveCmd.Flags().String("addr", "", "RPC listen address, overrides the config file's rpc_addr")
	_ = serveCmd.MarkFlagRequired("config")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, addrOverride string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if addrOverride != "" {
		cfg.RPCAddr = addrOverride
	}
	cfg.Logger = logger

	logger.Info("loaded config", "locations", len(cfg.Locations), "peers", len(cfg.Peers))

	node, err := bootstrap.New(cfg)
	if err != nil {
		return fmt.Errorf("build node: %w", err)
	}

	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := node.Stop(shutdownCtx); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// fileLocation mirrors bootstrap.LocationSpec as JSON.
type fileLocation struct {
	ID          string `json:"id"`
	Root        string `json:"root"`
	MediumClass string `json:"medium_class"`
	MediumIndex int    `json:"medium_index"`

	Quota                  int64 `json:"quota"`
	LowWatermark           int64 `json:"low_watermark"`
	HighWatermark          int64 `json:"high_watermark"`
	DisableWritesWatermark int64 `json:"disable_writes_watermark"`
	TrashCleanupWatermark  int64 `json:"trash_cleanup_watermark"`
	Trash                  bool  `json:"trash"`
}

// fileThrottle mirrors bootstrap.ThrottleBudget as JSON.
type fileThrottle struct {
	Workload       string  `json:"workload"`
	BytesPerSecond float64 `json:"bytes_per_second"`
	Burst          int     `json:"burst"`
}

// filePeer mirrors bootstrap.PeerSpec as JSON.
type filePeer struct {
	NodeID string `json:"node_id"`
	Addr   string `json:"addr"`
}

// fileConfig is the on-disk shape of a node's configuration, parsed with
// encoding/json.
type fileConfig struct {
	CellGUID string `json:"cell_guid"`
	RPCAddr  string `json:"rpc_addr"`

	Locations []fileLocation `json:"locations"`
	Throttle  []fileThrottle `json:"throttle"`
	Peers     []filePeer     `json:"peers"`

	MemoryCaps map[string]int64 `json:"memory_caps"`
	CacheBytes int64            `json:"cache_bytes"`

	HeartbeatIntervalSeconds int `json:"heartbeat_interval_seconds"`
	HeartbeatEventCap        int `json:"heartbeat_event_cap"`
}

func loadConfig(path string) (bootstrap.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return bootstrap.Config{}, err
	}
	var fc fileConfig
	if err := json.Unmarshal(raw, &fc); err != nil {
		return bootstrap.Config{}, fmt.Errorf("parse config: %w", err)
	}
	return fc.toBootstrapConfig(), nil
}

func (fc fileConfig) toBootstrapConfig() bootstrap.Config {
	cfg := bootstrap.Config{
		CellGUID:          fc.CellGUID,
		RPCAddr:           fc.RPCAddr,
		CacheBytes:        fc.CacheBytes,
		HeartbeatEventCap: fc.HeartbeatEventCap,
	}
	if fc.HeartbeatIntervalSeconds > 0 {
		cfg.HeartbeatInterval = time.Duration(fc.HeartbeatIntervalSeconds) * time.Second
	}

	for _, l := range fc.Locations {
		cfg.Locations = append(cfg.Locations, bootstrap.LocationSpec{
			ID:                     l.ID,
			Root:                   l.Root,
			MediumClass:            l.MediumClass,
			MediumIndex:            l.MediumIndex,
			Quota:                  l.Quota,
			LowWatermark:           l.LowWatermark,
			HighWatermark:          l.HighWatermark,
			DisableWritesWatermark: l.DisableWritesWatermark,
			TrashCleanupWatermark:  l.TrashCleanupWatermark,
			Trash:                  l.Trash,
		})
	}
	for _, t := range fc.Throttle {
		cfg.Throttle = append(cfg.Throttle, bootstrap.ThrottleBudget{
			Workload:       throttle.Workload(t.Workload),
			BytesPerSecond: t.BytesPerSecond,
			Burst:          t.Burst,
		})
	}
	for _, p := range fc.Peers {
		cfg.Peers = append(cfg.Peers, bootstrap.PeerSpec{NodeID: p.NodeID, Addr: p.Addr})
	}
	if len(fc.MemoryCaps) > 0 {
		cfg.MemoryCaps = make(map[memtracker.Category]int64, len(fc.MemoryCaps))
		for k, v := range fc.MemoryCaps {
			cfg.MemoryCaps[memtracker.Category(k)] = v
		}
	}
	return cfg
}
