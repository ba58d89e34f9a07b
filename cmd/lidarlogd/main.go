// lidarlogd is the lidar acquisition daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/xtxerr/lidarlog/internal/acquisition"
	"github.com/xtxerr/lidarlog/internal/catalog"
	"github.com/xtxerr/lidarlog/internal/constants"
	"github.com/xtxerr/lidarlog/internal/driver"
	"github.com/xtxerr/lidarlog/internal/driver/fake"
	"github.com/xtxerr/lidarlog/internal/driver/ydlidar"
	lerrors "github.com/xtxerr/lidarlog/internal/errors"
	"github.com/xtxerr/lidarlog/internal/handler"
	"github.com/xtxerr/lidarlog/internal/loader"
	"github.com/xtxerr/lidarlog/internal/logging"
	"github.com/xtxerr/lidarlog/internal/metrics"
	"github.com/xtxerr/lidarlog/internal/server"
	"github.com/xtxerr/lidarlog/internal/storage/query"
	"github.com/xtxerr/lidarlog/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	// CLI flags
	cfgPath := flag.String("config", "config.yaml", "config file path")
	listen := flag.String("listen", "", "listen address (overrides config)")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	simulate := flag.Bool("simulate", false, "use the simulated sensor")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	flag.Parse()

	if err := run(*cfgPath, *listen, *dataDir, *logLevel, *simulate); err != nil {
		fmt.Fprintf(os.Stderr, "lidarlogd: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath, listen, dataDir, logLevel string, simulate bool) error {
	// Load config
	cfg, err := loader.Load(cfgPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loader.DefaultConfig()
	}

	// CLI overrides
	if listen != "" {
		cfg.Listen = listen
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if simulate {
		cfg.Sensor.Driver = constants.DriverSimulated
	}

	logging.Init(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format == "json")
	log := logging.Component("main")
	log.Info("lidarlogd starting", "version", Version, "config", cfgPath)

	if err := loader.Validate(cfg); err != nil {
		return err
	}

	// =========================================================================
	// Files and Sensor
	// =========================================================================

	files, err := catalog.New(cfg.DataDir)
	if err != nil {
		return err
	}
	log.Info("dataset directory", "path", files.Dir())

	var drv driver.Driver
	switch cfg.Sensor.Driver {
	case constants.DriverSimulated:
		drv = fake.Simulated(cfg.Sensor.SimulatedPoints)
		log.Warn("using simulated sensor", "points", cfg.Sensor.SimulatedPoints)
	default:
		drv = ydlidar.New()
		log.Info("using ydlidar sensor", "sensor", cfg.Sensor.Config.String())
	}

	m := metrics.New()
	ctrl := acquisition.New(loader.ToAcquisitionConfig(cfg), drv, files.ResolveDataset,
		acquisition.WithRecorder(m))

	// =========================================================================
	// Query Service (DuckDB over parquet exports)
	// =========================================================================

	var qs *query.Service
	if cfg.Query.Enabled {
		qs, err = query.New(loader.ToQueryOptions(&cfg.Query))
		if err != nil {
			return err
		}
		defer qs.Close()
	}

	// =========================================================================
	// Telemetry (MQTT)
	// =========================================================================

	var ingester handler.Ingester
	if tc := loader.ToTelemetryConfig(&cfg.Telemetry); tc.Enabled() {
		pub, err := telemetry.NewMQTT(tc)
		if err != nil {
			return err
		}
		defer pub.Close()

		in, err := telemetry.NewIngester(tc, pub)
		if err != nil {
			return err
		}
		ingester = in
	} else {
		log.Info("telemetry disabled")
	}

	// =========================================================================
	// Server
	// =========================================================================

	h := handler.New(handler.Config{
		Acquisition: ctrl,
		Files:       files,
		Query:       qs,
		Ingester:    ingester,
		Recorder:    m,
		Parquet:     loader.ToParquetOptions(&cfg.Export),
	})
	srv := server.New(server.Config{
		Listen:  cfg.Listen,
		Handler: h,
		Metrics: m,
	})

	// =========================================================================
	// Run until SIGINT/SIGTERM
	// =========================================================================

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		// Close the running session so the dataset ends cleanly.
		if err := ctrl.Stop(context.Background()); err != nil && !errors.Is(err, lerrors.ErrNotRunning) {
			log.Error("stop acquisition", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("lidarlogd stopped")
	return nil
}
