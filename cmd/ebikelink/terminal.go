package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/ebikelink/internal/client"
	"github.com/srg/ebikelink/internal/console"
	"github.com/srg/ebikelink/internal/groutine"
)

// terminalCmd represents the terminal command
var terminalCmd = &cobra.Command{
	Use:   "terminal",
	Short: "Interactive command terminal for the sensor",
	Long: fmt.Sprintf(`Opens a line-oriented terminal on the sensor's display command channel.

Commands:
  tx <text>                  send raw text to the command channel
  set pas|speed|range|dist   stage a display field locally
  send                       transmit staged fields as "pas,speed,range,dist"
  fields                     show staged fields
  wait                       block until connected and telemetry arrives
  help, quit

Discovery retries until the sensor appears or the terminal is interrupted;
there is no connect timeout. Send timeouts are reported in the session and
do not end it.

Examples:
  ebikelink terminal
  ebikelink terminal --address %s

%s`, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.NoArgs,
	RunE: runTerminal,
}

var (
	terminalName    string
	terminalAddress string
)

// terminalIn is the console input. Tests point it at a PTY.
var terminalIn = os.Stdin

func init() {
	terminalCmd.Flags().StringVarP(&terminalName, "name", "n", "", "Advertised device name to scan for (default EBikeSensor)")
	terminalCmd.Flags().StringVarP(&terminalAddress, "address", "a", "", "Device address; skips name discovery")
}

func runTerminal(cmd *cobra.Command, args []string) error {
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

	name := fileCfg.Device.Name
	if cmd.Flags().Changed("name") {
		name = terminalName
	}
	address := fileCfg.Device.Address
	if cmd.Flags().Changed("address") {
		address = terminalAddress
	}

	// Setup context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		cancel()
	}()

	out := cmd.OutOrStdout()

	link := client.New(client.Config{
		Name:    name,
		Address: address,
		Logger:  logger,
	})

	target := name
	if address != "" {
		target = address
	}
	if target == "" {
		target = "sensor"
	}

	// Connect retries discovery until the peer shows up or ctx is cancelled.
	progress := NewProgressPrinter(fmt.Sprintf("Connecting to %s", target), "Connecting")
	progress.Start()
	if err := link.Connect(ctx); err != nil {
		progress.Stop()
		return err
	}
	progress.Stop()

	defer func() {
		if err := link.Disconnect(); err != nil {
			logger.WithError(err).Debug("disconnect failed")
		}
	}()

	fmt.Fprintf(out, "Connected to %s. Type help for commands.\n", link.Peer())

	// A lost connection ends the session; sends would only fail from here on.
	// The console owns the output until Run returns, so the watcher just
	// cancels and the message is printed afterwards.
	var lost atomic.Bool
	groutine.Go(ctx, "terminal-link-watch", func(ctx context.Context) {
		select {
		case <-ctx.Done():
		case <-link.Done():
			lost.Store(true)
			cancel()
		}
	})

	session := client.NewSession(link, out)
	cons := console.New(terminalIn, out, console.Options{
		Prompt: "> ",
		Logger: logger,
	})

	err = cons.Run(ctx, func(line string) bool {
		return session.Execute(ctx, line)
	})

	stats := cons.Stats()
	logger.WithFields(logrus.Fields{
		"read_bytes":    stats.ReadBytesTotal,
		"dropped_bytes": stats.DroppedBytes,
	}).Debug("console session finished")

	if lost.Load() {
		fmt.Fprintln(out, "connection lost")
		return client.ErrConnectionLost
	}
	if errors.Is(err, context.Canceled) {
		return nil // cancelled by the user
	}
	return err
}
