package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/ebikelink/inspector"
	"github.com/srg/ebikelink/internal/client"
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send <data>",
	Short: "Send a one-shot command to the sensor",
	Long: fmt.Sprintf(`Connects to the sensor, writes one command frame to the command
characteristic and disconnects.

Examples:
  # Switch the assist profile
  ebikelink send eco

  # Inject a full simulated sample
  ebikelink send "eco,25.4,80,1250"

  # Raw bytes as hex
  ebikelink send "65:63:6f" --hex

  # Fire and forget (no ATT acknowledgement)
  ebikelink send eco --without-response

%s`, deviceAddressNote),
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

var (
	sendName           string
	sendAddress        string
	sendHex            bool
	sendNoResponse     bool
	sendTimeout        time.Duration
	sendConnectTimeout time.Duration
)

func init() {
	sendCmd.Flags().StringVarP(&sendName, "name", "n", "", "Advertised device name to scan for (default EBikeSensor)")
	sendCmd.Flags().StringVarP(&sendAddress, "address", "a", "", "Device address; skips name discovery")
	sendCmd.Flags().BoolVar(&sendHex, "hex", false, "Parse input as hex string (e.g., '65:63:6f'); raw text by default")
	sendCmd.Flags().BoolVar(&sendNoResponse, "without-response", false, "Write without response (faster, no ACK); default waits for ACK")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 5*time.Second, "Command write timeout")
	sendCmd.Flags().DurationVar(&sendConnectTimeout, "connect-timeout", 30*time.Second, "Connection timeout")
}

func runSend(cmd *cobra.Command, args []string) error {
	// Parse data according to format
	data, err := parseSendData(args[0])
	if err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
	}

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

	name := fileCfg.Device.Name
	if cmd.Flags().Changed("name") {
		name = sendName
	}
	address := fileCfg.Device.Address
	if cmd.Flags().Changed("address") {
		address = sendAddress
	}
	connectTimeout := fileCfg.ConnectTimeout
	if cmd.Flags().Changed("connect-timeout") {
		connectTimeout = sendConnectTimeout
	}

	target := name
	if address != "" {
		target = address
	}
	if target == "" {
		target = "sensor"
	}

	// Setup progress printer
	progress := NewProgressPrinter(fmt.Sprintf("Sending %d bytes to %s", len(data), target), "Connecting", "Processing results")
	progress.Start()
	defer progress.Stop()

	clientCfg := client.Config{
		Name:        name,
		Address:     address,
		SendTimeout: sendTimeout,
		Logger:      logger,
	}
	opts := &inspector.InspectOptions{ConnectTimeout: connectTimeout}

	// Use background context
	ctx := context.Background()

	// Define the send operation
	sendOperation := func(link *client.Link) (any, error) {
		// Stop progress indicator before returning
		progress.Stop()

		if sendNoResponse {
			return nil, link.SendWithoutResponse(string(data))
		}
		return nil, link.Send(string(data))
	}

	_, err = inspector.InspectDevice(ctx, clientCfg, opts, progress.Callback(), sendOperation)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Sent %d bytes\n", len(data))
	return nil
}

// parseSendData converts input string to bytes based on format flags
func parseSendData(dataStr string) ([]byte, error) {
	if sendHex {
		// Remove spaces and common separators
		cleaned := strings.ReplaceAll(dataStr, " ", "")
		cleaned = strings.ReplaceAll(cleaned, ":", "")
		cleaned = strings.ReplaceAll(cleaned, "-", "")
		cleaned = strings.ReplaceAll(cleaned, "0x", "")

		data, err := hex.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("invalid hex data: %w", err)
		}
		return data, nil
	}

	return []byte(dataStr), nil
}
