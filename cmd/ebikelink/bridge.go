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

	"github.com/srg/ebikelink/internal/client"
	"github.com/srg/ebikelink/internal/ridelog"
	"github.com/srg/ebikelink/internal/uplink"
)

const (
	// bridgeFlushInterval paces ring drains. Short enough that a clean
	// shutdown loses at most a moment of telemetry.
	bridgeFlushInterval = 500 * time.Millisecond

	// bridgeReconnectDelay spaces reconnect attempts after a loss. The
	// sensor reboots in about two seconds; a fixed delay is enough.
	bridgeReconnectDelay = 5 * time.Second

	// bridgeBufferSize sizes the collector ring between the notification
	// callback and the sinks.
	bridgeBufferSize = 4096
)

// bridgeCmd represents the bridge command
var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Bridge sensor telemetry to MQTT and/or SQLite",
	Long: fmt.Sprintf(`Connects to the sensor and forwards every telemetry update to an MQTT
broker, a SQLite ride log, or both. Lost connections are retried forever;
stop with Ctrl+C.

MQTT topics are <prefix>/<field>, one retained message per update. The ride
log stores one row per sample.

Examples:
  # Publish to a local broker
  ebikelink bridge --mqtt-broker tcp://localhost:1883

  # Record a ride to SQLite
  ebikelink bridge --db ride.db

  # Both, with a custom topic prefix
  ebikelink bridge --mqtt-broker tcp://broker:1883 --topic-prefix bike1 --db ride.db

%s`, deviceAddressNote),
	Args: cobra.NoArgs,
	RunE: runBridge,
}

var (
	bridgeBroker      string
	bridgeTopicPrefix string
	bridgeDatabase    string
	bridgeName        string
	bridgeAddress     string
)

func init() {
	bridgeCmd.Flags().StringVar(&bridgeBroker, "mqtt-broker", "", "MQTT broker URL (e.g. tcp://localhost:1883)")
	bridgeCmd.Flags().StringVar(&bridgeTopicPrefix, "topic-prefix", "", "MQTT topic prefix (default ebike)")
	bridgeCmd.Flags().StringVar(&bridgeDatabase, "db", "", "SQLite ride log path")
	bridgeCmd.Flags().StringVarP(&bridgeName, "name", "n", "", "Advertised device name to scan for (default EBikeSensor)")
	bridgeCmd.Flags().StringVarP(&bridgeAddress, "address", "a", "", "Device address; skips name discovery")
}

func runBridge(cmd *cobra.Command, args []string) error {
	// Configure logger
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	fileCfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	broker := fileCfg.Bridge.Broker
	if cmd.Flags().Changed("mqtt-broker") {
		broker = bridgeBroker
	}
	topicPrefix := fileCfg.Bridge.TopicPrefix
	if cmd.Flags().Changed("topic-prefix") {
		topicPrefix = bridgeTopicPrefix
	}
	dbPath := fileCfg.Bridge.Database
	if cmd.Flags().Changed("db") {
		dbPath = bridgeDatabase
	}
	name := fileCfg.Device.Name
	if cmd.Flags().Changed("name") {
		name = bridgeName
	}
	address := fileCfg.Device.Address
	if cmd.Flags().Changed("address") {
		address = bridgeAddress
	}

	if broker == "" && dbPath == "" {
		return fmt.Errorf("nothing to bridge: set --mqtt-broker and/or --db")
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

	var up *uplink.Uplink
	if broker != "" {
		up = uplink.New(uplink.Config{
			Broker:      broker,
			TopicPrefix: topicPrefix,
			Logger:      logger,
		})
		if err := up.Connect(ctx); err != nil {
			return fmt.Errorf("connect MQTT broker: %w", err)
		}
		defer up.Close()
	}

	var rlog *ridelog.Log
	if dbPath != "" {
		rlog, err = ridelog.Open(ridelog.Config{Path: dbPath, Logger: logger})
		if err != nil {
			return err
		}
		defer func() {
			if err := rlog.Close(); err != nil {
				logger.WithError(err).Warn("failed to close ride log")
			}
		}()
	}

	records := make(chan client.Record, 256)
	collector, err := client.NewCollector(records, bridgeBufferSize, func(err error) {
		logger.WithError(err).Warn("collector error")
	})
	if err != nil {
		return err
	}
	if err := collector.Start(); err != nil {
		return err
	}
	defer func() {
		if err := collector.Stop(); err != nil {
			logger.WithError(err).Debug("collector stop")
		}
	}()

	// The notification pump must not block; the collector ring absorbs
	// bursts, so a full channel only happens during shutdown.
	link := client.New(client.Config{
		Name:    name,
		Address: address,
		Logger:  logger,
		OnRecord: func(rec client.Record) {
			select {
			case records <- rec:
			default:
			}
		},
	})

	deliver := func(rec client.Record) {
		if up != nil {
			if err := up.Publish(rec); err != nil {
				logger.WithError(err).WithField("field", rec.Field.String()).Warn("publish failed")
			}
		}
		if rlog != nil {
			if err := rlog.Append(rec); err != nil {
				logger.WithError(err).WithField("field", rec.Field.String()).Warn("append failed")
			}
		}
	}

	flush := func() {
		recs, err := collector.Drain()
		if err != nil {
			logger.WithError(err).Warn("drain collector")
			return
		}
		for _, rec := range recs {
			deliver(rec)
		}
	}

	target := name
	if address != "" {
		target = address
	}
	if target == "" {
		target = "sensor"
	}

	// Setup progress printer
	progress := NewProgressPrinter(fmt.Sprintf("Starting bridge for %s", target), "Connecting")
	progress.Start()
	defer progress.Stop()

	ticker := time.NewTicker(bridgeFlushInterval)
	defer ticker.Stop()

	first := true
	for ctx.Err() == nil {
		err := link.Connect(ctx)
		if first {
			progress.Stop()
			first = false
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.WithError(err).Warn("connect failed, retrying")
			sleepCtx(ctx, bridgeReconnectDelay)
			continue
		}

		logger.WithField("peer", link.Peer()).Info("bridge connected")

		running := true
		for running {
			select {
			case <-ctx.Done():
				if err := link.Disconnect(); err != nil {
					logger.WithError(err).Debug("disconnect failed")
				}
				running = false
			case <-link.Done():
				logger.Info("connection lost, reconnecting")
				running = false
			case <-ticker.C:
				flush()
			}
		}

		if ctx.Err() == nil {
			sleepCtx(ctx, bridgeReconnectDelay)
		}
	}

	// The link is down, so nothing new arrives. Stop the mover, then
	// deliver everything still queued: the ring first, then records the
	// mover never picked up from the channel.
	if err := collector.Stop(); err != nil {
		logger.WithError(err).Debug("collector stop")
	}
	flush()
	for leftovers := true; leftovers; {
		select {
		case rec := <-records:
			deliver(rec)
		default:
			leftovers = false
		}
	}

	out := cmd.OutOrStdout()
	if rlog != nil {
		if count, err := rlog.Count(); err == nil {
			fmt.Fprintf(out, "Logged %d samples\n", count)
		}
	}
	if up != nil && up.Dropped() > 0 {
		fmt.Fprintf(out, "Dropped %d MQTT publishes while disconnected\n", up.Dropped())
	}

	m := collector.GetMetrics()
	logger.WithFields(logrus.Fields{
		"processed":   m.GetRecordsProcessed(),
		"overwritten": m.GetRecordsOverwritten(),
	}).Debug("bridge collector finished")
	return nil
}

// sleepCtx waits for d unless ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
