package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/ebikelink/internal/groutine"
	"github.com/srg/ebikelink/internal/metrics"
	"github.com/srg/ebikelink/internal/node"
	"github.com/srg/ebikelink/internal/sensor"
	"github.com/srg/ebikelink/pkg/config"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bike-side telemetry node",
	Long: `Runs the peripheral on the bike: polls the INA228 power monitor, serves
the telemetry GATT service and advertises until interrupted.

The first central to connect is adopted as the owner; later centrals are
disconnected until the owner goes away.

Examples:
  # Real hardware on the default I2C bus
  ebikelink serve

  # Bench mode without a power monitor
  ebikelink serve --sim

  # Expose Prometheus metrics
  ebikelink serve --sim --metrics-addr :9090`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveSim          bool
	serveMetricsAddr  string
	serveName         string
	servePollInterval time.Duration
)

func init() {
	serveCmd.Flags().BoolVar(&serveSim, "sim", false, "Use a simulated telemetry source instead of the INA228")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	serveCmd.Flags().StringVarP(&serveName, "name", "n", "", "Advertised device name (default EBikeSensor)")
	serveCmd.Flags().DurationVar(&servePollInterval, "poll-interval", 0, "Telemetry poll interval (default 1s)")
}

func runServe(cmd *cobra.Command, args []string) error {
	fileCfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// The node is a daemon; without an explicit --log-level it logs at the
	// config file's level instead of the CLI's quiet default.
	var logger *logrus.Logger
	if cmd.Flags().Changed("log-level") {
		logger, err = configureLogger(cmd)
		if err != nil {
			return err
		}
	} else {
		logger = fileCfg.NewLogger()
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	serveCfg := fileCfg.Serve
	if cmd.Flags().Changed("sim") {
		serveCfg.Simulate = serveSim
	}
	if cmd.Flags().Changed("metrics-addr") {
		serveCfg.MetricsAddr = serveMetricsAddr
	}
	name := fileCfg.Device.Name
	if cmd.Flags().Changed("name") {
		name = serveName
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupts gracefully
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		logger.Info("Received interrupt signal, shutting down...")
		cancel()
	}()

	source, err := openSource(serveCfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := source.Close(); err != nil {
			logger.WithError(err).Warn("failed to close telemetry source")
		}
	}()

	m := metrics.New()
	if serveCfg.MetricsAddr != "" {
		groutine.Go(ctx, "metrics-listener", func(ctx context.Context) {
			if err := m.Serve(ctx, serveCfg.MetricsAddr); err != nil {
				logger.WithError(err).Error("metrics listener failed")
			}
		})
	}

	n, err := node.New(node.Config{
		Name:         name,
		Source:       source,
		PollInterval: servePollInterval,
		Metrics:      m,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	return n.Run(ctx)
}

// openSource picks the telemetry source: the INA228 on the configured I2C
// bus, or the simulator for bench work.
func openSource(cfg config.ServeConfig, logger *logrus.Logger) (sensor.Source, error) {
	if cfg.Simulate {
		logger.Info("using simulated telemetry source")
		return sensor.NewSimSource(), nil
	}

	bus, err := sensor.OpenBus(cfg.I2CBus)
	if err != nil {
		return nil, fmt.Errorf("open i2c bus %s: %w", cfg.I2CBus, err)
	}
	ina, err := sensor.NewINA228(bus, sensor.INA228Config{
		Addr:          cfg.I2CAddr,
		ShuntMicroOhm: cfg.ShuntMicroOhm,
		MaxCurrentA:   cfg.MaxCurrentA,
	})
	if err != nil {
		_ = bus.Close()
		return nil, err
	}
	if err := ina.Init(); err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("init INA228: %w", err)
	}
	logger.WithField("bus", cfg.I2CBus).Info("INA228 power monitor ready")
	return ina, nil
}
