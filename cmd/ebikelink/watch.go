package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/ebikelink/inspector"
	"github.com/srg/ebikelink/internal/client"
	"github.com/srg/ebikelink/internal/state"
)

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch live telemetry from the sensor",
	Long: fmt.Sprintf(`Connects to the sensor, subscribes to every telemetry characteristic and
renders decoded values as they arrive.

The default output is one line per update. --table repaints a field table
instead, --json emits one JSON object per update, and --hex includes the raw
notification payload.

Examples:
  # Stream decoded updates
  ebikelink watch

  # Machine-readable stream from a known address
  ebikelink watch --address %s --json

  # Live field table
  ebikelink watch --table

%s`, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.NoArgs,
	RunE: runWatch,
}

var (
	watchName           string
	watchAddress        string
	watchJSON           bool
	watchHex            bool
	watchTable          bool
	watchConnectTimeout time.Duration
)

func init() {
	watchCmd.Flags().StringVarP(&watchName, "name", "n", "", "Advertised device name to scan for (default EBikeSensor)")
	watchCmd.Flags().StringVarP(&watchAddress, "address", "a", "", "Device address; skips name discovery")
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "Emit one JSON object per update")
	watchCmd.Flags().BoolVar(&watchHex, "hex", false, "Include the raw notification payload as hex")
	watchCmd.Flags().BoolVar(&watchTable, "table", false, "Repaint a field table instead of streaming lines")
	watchCmd.Flags().DurationVar(&watchConnectTimeout, "connect-timeout", 30*time.Second, "Connection timeout")
}

var watchFieldColor = color.New(color.FgCyan)

func runWatch(cmd *cobra.Command, args []string) error {
	if watchJSON && watchTable {
		return fmt.Errorf("--json and --table are mutually exclusive")
	}

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
		name = watchName
	}
	address := fileCfg.Device.Address
	if cmd.Flags().Changed("address") {
		address = watchAddress
	}
	connectTimeout := fileCfg.ConnectTimeout
	if cmd.Flags().Changed("connect-timeout") {
		connectTimeout = watchConnectTimeout
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

	// The notification pump must not block; a slow terminal drops updates
	// rather than stalling the link.
	records := make(chan client.Record, 256)
	clientCfg := client.Config{
		Name:    name,
		Address: address,
		Logger:  logger,
		OnRecord: func(rec client.Record) {
			select {
			case records <- rec:
			default:
			}
		},
	}

	target := name
	if address != "" {
		target = address
	}
	if target == "" {
		target = "sensor"
	}

	// Setup progress printer
	progress := NewProgressPrinter(fmt.Sprintf("Connecting to %s", target), "Connecting", "Processing results")
	progress.Start()
	defer progress.Stop()

	opts := &inspector.InspectOptions{ConnectTimeout: connectTimeout}

	watchOperation := func(link *client.Link) (any, error) {
		progress.Stop()
		if watchTable {
			return nil, watchTableLoop(ctx, link, out)
		}
		fmt.Fprintf(os.Stderr, "Watching telemetry from %s. Press Ctrl+C to stop...\n", link.Peer())
		return nil, watchStreamLoop(ctx, link, records, out)
	}

	_, err = inspector.InspectDevice(ctx, clientCfg, opts, progress.Callback(), watchOperation)
	return err
}

// watchStreamLoop prints one line (or JSON object) per received update until
// the user cancels or the connection drops.
func watchStreamLoop(ctx context.Context, link *client.Link, records <-chan client.Record, out io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			drainRecords(out, records)
			return nil
		case <-link.Done():
			drainRecords(out, records)
			return client.ErrConnectionLost
		case rec := <-records:
			printWatchRecord(out, rec)
		}
	}
}

// drainRecords flushes updates that arrived before the loop noticed the end
// of the session.
func drainRecords(out io.Writer, records <-chan client.Record) {
	for {
		select {
		case rec := <-records:
			printWatchRecord(out, rec)
		default:
			return
		}
	}
}

func printWatchRecord(out io.Writer, rec client.Record) {
	if watchJSON {
		om := orderedmap.New[string, any]()
		om.Set("time", rec.Time.Format(time.RFC3339Nano))
		om.Set("field", rec.Field.String())
		om.Set("value", rec.Value)
		om.Set("unit", rec.Field.Unit())
		if watchHex {
			om.Set("raw", hex.EncodeToString(rec.Raw))
		}
		b, err := json.Marshal(om)
		if err != nil {
			return
		}
		fmt.Fprintln(out, string(b))
		return
	}

	line := fmt.Sprintf("%s  %s %s %s",
		rec.Time.Format("15:04:05.000"),
		watchFieldColor.Sprint(fmt.Sprintf("%-12s", rec.Field)),
		formatValue(rec.Value),
		rec.Field.Unit())
	if watchHex {
		line += "  " + hex.EncodeToString(rec.Raw)
	}
	fmt.Fprintln(out, line)
}

// watchTableLoop repaints the full field table on every board change.
func watchTableLoop(ctx context.Context, link *client.Link, out io.Writer) error {
	board := link.Board()
	snap := board.Snapshot()
	for {
		renderBoard(out, link.Peer(), snap)

		next, err := board.WaitChange(ctx, snap.Seq)
		if err != nil {
			return nil // cancelled by the user
		}
		snap = next
		if !snap.Connected {
			renderBoard(out, link.Peer(), snap)
			return client.ErrConnectionLost
		}
	}
}

func renderBoard(out io.Writer, peer string, snap state.Snapshot) {
	clearScreen(out)
	status := "connected"
	if !snap.Connected {
		status = "disconnected"
	}
	fmt.Fprintf(out, "%s  [%s]\n\n", peer, status)

	om := orderedmap.New[string, string]()
	om.Set("voltage", formatValue(snap.Voltage)+" V")
	om.Set("current", formatValue(snap.Current)+" A")
	om.Set("power", formatValue(snap.Power)+" W")
	om.Set("battery", formatValue(snap.Battery)+" %")
	om.Set("temperature", formatValue(snap.Temperature)+" °C")

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FIELD\tVALUE")
	for pair := om.Oldest(); pair != nil; pair = pair.Next() {
		fmt.Fprintf(w, "%s\t%s\n", watchFieldColor.Sprint(pair.Key), pair.Value)
	}
	_ = w.Flush()
}

// formatValue renders a telemetry value with the fewest digits that
// round-trip.
func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
