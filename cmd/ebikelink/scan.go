package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/ebikelink/internal/bledb"
	"github.com/srg/ebikelink/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

Discovered devices are listed with their address, name, RSSI, manufacturer
and advertised services. Bluetooth SIG identifiers are resolved to their
assigned names in table output.`,
	RunE: runScan,
}

var (
	scanDuration    time.Duration
	scanFormat      string
	scanServices    []string
	scanName        string
	scanAllowList   []string
	scanBlockList   []string
	scanNoDuplicate bool
	scanWatch       bool
)

type scanConfig struct {
	scanTimeout  time.Duration
	outputFormat string
}

func defaultScanConfig() *scanConfig {
	return &scanConfig{
		scanTimeout:  10 * time.Second,
		outputFormat: "table",
	}
}

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 for indefinite)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Filter by advertised service UUIDs")
	scanCmd.Flags().StringVar(&scanName, "name", "", "Only show devices whose name contains this substring")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
	scanCmd.Flags().BoolVar(&scanNoDuplicate, "no-duplicates", false, "Drop repeated advertisements instead of refreshing results")
	scanCmd.Flags().BoolVarP(&scanWatch, "watch", "w", false, "Continuously scan and update results")
}

func runScan(cmd *cobra.Command, args []string) error {
	// Validate format parameter
	validFormats := []string{"table", "json"}
	isValidFormat := false
	for _, format := range validFormats {
		if scanFormat == format {
			isValidFormat = true
			break
		}
	}
	if !isValidFormat {
		return fmt.Errorf("invalid format '%s': must be one of %v", scanFormat, validFormats)
	}

	// Validate and parse service UUIDs if provided
	var serviceUUIDs []ble.UUID
	for _, s := range scanServices {
		u, err := ble.Parse(s)
		if err != nil {
			return fmt.Errorf("invalid service UUID %q: %w", s, err)
		}
		serviceUUIDs = append(serviceUUIDs, u)
	}

	// Configure logger based on the --log-level flag
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

	// Layer flags over the config file
	cfg := defaultScanConfig()
	cfg.scanTimeout = fileCfg.ScanTimeout
	cfg.outputFormat = fileCfg.OutputFormat
	if cmd.Flags().Changed("duration") {
		cfg.scanTimeout = scanDuration
	}
	if cmd.Flags().Changed("format") {
		cfg.outputFormat = scanFormat
	}

	// Watch mode scans indefinitely unless a duration was asked for
	if scanWatch && !cmd.Flags().Changed("duration") {
		cfg.scanTimeout = 0
	}

	s := scanner.NewScanner(logger)

	scanOpts := &scanner.ScanOptions{
		Duration:        cfg.scanTimeout,
		AllowDuplicates: !scanNoDuplicate,
		ServiceUUIDs:    serviceUUIDs,
		Name:            scanName,
		AllowList:       scanAllowList,
		BlockList:       scanBlockList,
	}

	if scanWatch {
		return runScanWatch(cmd, s, scanOpts, cfg)
	}

	return runSingleScan(cmd, s, scanOpts, cfg, logger)
}

func runSingleScan(cmd *cobra.Command, s *scanner.Scanner, opts *scanner.ScanOptions, cfg *scanConfig, logger *logrus.Logger) error {
	if cfg == nil {
		cfg = defaultScanConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Listen for Ctrl+C to cancel
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCtrl+C pressed, cancelling scan...")
		cancel()
	}()

	// Setup progress printer
	progress := NewCountdownProgressPrinter("Scanning for BLE devices", "Scanning", cfg.scanTimeout, "Processing results")
	progress.Start()
	defer progress.Stop()

	// Perform scan; the scanner applies the duration bound itself
	devices, err := s.Scan(ctx, opts, progress.Callback())

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("scan failed")
		return err
	}
	return displayDevices(cmd.OutOrStdout(), devices, cfg.outputFormat)
}

func runScanWatch(cmd *cobra.Command, s *scanner.Scanner, opts *scanner.ScanOptions, cfg *scanConfig) error {
	// Scan until interrupted by the user.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCtrl+C pressed, cancelling scan...")
		cancel()
	}()

	// The display tracks device snapshots from the event stream; the scan's
	// own result map is not consulted.
	devices := make(map[string]scanner.Device)

	scanErrCh := make(chan error, 1)
	go func() {
		_, err := s.Scan(ctx, opts, nil)
		scanErrCh <- err
	}()

	out := cmd.OutOrStdout()

	repaint := func(err error) error {
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		clearScreen(out)
		return displayDevices(out, devices, cfg.outputFormat)
	}

	// The ticker both drives repaints and keeps ctx.Done from starving
	// behind a busy events channel.
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	tickCount := 0

	for {
		select {
		case <-ctx.Done():
			return repaint(nil)

		case err := <-scanErrCh:
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				return repaint(err)
			}
			// Timed scan finished; keep watching the event stream.
			scanErrCh = nil

		case <-ticker.C:
			select {
			case <-ctx.Done():
				return repaint(nil)
			default:
			}

			tickCount++
			if tickCount == 10 {
				_ = repaint(nil)
				tickCount = 0
			}

		case ev := <-s.Events():
			devices[ev.Device.Address] = ev.Device
		}
	}
}

func displayDevices(out io.Writer, devices map[string]scanner.Device, format string) error {
	if len(devices) == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}

	list := make([]scanner.Device, 0, len(devices))
	for _, d := range devices {
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Address < list[j].Address
	})

	if format == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(list)
	}
	return displayDeviceTable(out, list)
}

func displayDeviceTable(out io.Writer, devices []scanner.Device) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tRSSI\tCOMPANY\tSERVICES\tLAST SEEN")
	fmt.Fprintln(w, strings.Repeat("-", 80))

	for _, d := range devices {
		name := d.Name
		if len(name) > 20 {
			name = name[:17] + "..."
		}

		services := strings.Join(serviceNames(d.Services), ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}

		lastSeen := time.Since(d.LastSeen).Truncate(time.Second)

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s ago\n",
			d.Address, name, rssiCell(d.RSSI), d.Company, services, lastSeen)
	}

	return w.Flush()
}

// serviceNames swaps known SIG service UUIDs for their assigned names.
func serviceNames(uuids []string) []string {
	names := make([]string, 0, len(uuids))
	for _, u := range uuids {
		if n := bledb.LookupService(u); n != "" {
			names = append(names, n)
			continue
		}
		names = append(names, u)
	}
	return names
}

// rssiCell colors the signal strength: green is usable, red is marginal.
func rssiCell(rssi int) string {
	cell := fmt.Sprintf("%d dBm", rssi)
	switch {
	case rssi >= -60:
		return color.GreenString("%s", cell)
	case rssi >= -75:
		return color.YellowString("%s", cell)
	default:
		return color.RedString("%s", cell)
	}
}

func clearScreen(out io.Writer) {
	fmt.Fprint(out, "\033[2J\033[H")
}
