package main

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/suite"

	"github.com/srg/ebikelink/internal/ridelog"
	"github.com/srg/ebikelink/internal/testutils"
	"github.com/srg/ebikelink/internal/wire"
)

// BridgeTestSuite provides testify/suite for proper test isolation
type BridgeTestSuite struct {
	suite.Suite
}

// SetupTest re-registers the bridge flags so values and Changed state from a
// previous test cannot leak into the next one.
func (suite *BridgeTestSuite) SetupTest() {
	bridgeBroker = ""
	bridgeTopicPrefix = ""
	bridgeDatabase = ""
	bridgeName = ""
	bridgeAddress = ""

	bridgeCmd.ResetFlags()
	bridgeCmd.Flags().StringVar(&bridgeBroker, "mqtt-broker", "", "MQTT broker URL (e.g. tcp://localhost:1883)")
	bridgeCmd.Flags().StringVar(&bridgeTopicPrefix, "topic-prefix", "", "MQTT topic prefix (default ebike)")
	bridgeCmd.Flags().StringVar(&bridgeDatabase, "db", "", "SQLite ride log path")
	bridgeCmd.Flags().StringVarP(&bridgeName, "name", "n", "", "Advertised device name to scan for (default EBikeSensor)")
	bridgeCmd.Flags().StringVarP(&bridgeAddress, "address", "a", "", "Device address; skips name discovery")
}

// startBridge runs the bridge command in the background.
func (suite *BridgeTestSuite) startBridge(args ...string) chan cmdResult {
	resCh := make(chan cmdResult, 1)
	go func() {
		cmd := &cobra.Command{}
		cmd.AddCommand(bridgeCmd)
		output, err := executeCommand(cmd, append([]string{"bridge"}, args...)...)
		resCh <- cmdResult{output: output, err: err}
	}()
	return resCh
}

func (suite *BridgeTestSuite) TestBridgeCmd_LogsToSQLite() {
	// GOAL: Verify bridged telemetry lands in the SQLite ride log and the
	// shutdown drain loses nothing
	//
	// TEST SCENARIO: Run bridge --db → notify one voltage sample → SIGINT →
	// the reopened log holds the decoded sample

	dbPath := filepath.Join(suite.T().TempDir(), "ride.db")
	_, peripheral := testutils.InstallSensor(suite.T())

	resCh := suite.startBridge("--db", dbPath)

	suite.Require().Eventually(func() bool {
		return peripheral.Subscribed(wire.FieldTemperature)
	}, 2*time.Second, 10*time.Millisecond, "bridge MUST connect and subscribe")

	peripheral.NotifyValue(wire.FieldVoltage, 42.5)

	process, _ := os.FindProcess(os.Getpid())
	process.Signal(syscall.SIGINT)

	res := awaitCommand(suite.T(), resCh)
	suite.Assert().NoError(res.err, "interrupt MUST shut the bridge down cleanly")
	suite.Assert().Contains(res.output, "Logged", "bridge MUST report the persisted sample count")

	rlog, err := ridelog.Open(ridelog.Config{Path: dbPath})
	suite.Require().NoError(err, "ride log MUST reopen")
	defer rlog.Close() //nolint:errcheck

	count, err := rlog.Count()
	suite.Require().NoError(err, "count MUST succeed")
	suite.Assert().GreaterOrEqual(count, int64(1), "the notified sample MUST be persisted")

	entries, err := rlog.Tail(10)
	suite.Require().NoError(err, "tail MUST succeed")
	suite.Require().NotEmpty(entries, "tail MUST return the persisted sample")
	suite.Assert().Equal("voltage", entries[0].Field, "sample MUST record the field name")
	suite.Assert().Equal(42.5, entries[0].Value, "sample MUST record the decoded value")
}

func (suite *BridgeTestSuite) TestBridgeCmd_ConnectionLostReconnects() {
	// GOAL: Verify a dropped link puts the bridge back into discovery
	// instead of exiting
	//
	// TEST SCENARIO: Drop the peripheral → bridge stays up → SIGINT → clean
	// exit with the pre-drop sample persisted

	dbPath := filepath.Join(suite.T().TempDir(), "ride.db")
	_, peripheral := testutils.InstallSensor(suite.T())

	resCh := suite.startBridge("--db", dbPath)

	suite.Require().Eventually(func() bool {
		return peripheral.Subscribed(wire.FieldTemperature)
	}, 2*time.Second, 10*time.Millisecond, "bridge MUST connect and subscribe")

	peripheral.NotifyValue(wire.FieldVoltage, 42.5)
	peripheral.Drop()

	// The bridge waits out the reconnect delay rather than exiting.
	select {
	case res := <-resCh:
		suite.Failf("bridge MUST NOT exit on a lost connection", "got: %v", res.err)
	case <-time.After(500 * time.Millisecond):
	}

	process, _ := os.FindProcess(os.Getpid())
	process.Signal(syscall.SIGINT)

	res := awaitCommand(suite.T(), resCh)
	suite.Assert().NoError(res.err, "interrupt MUST shut the bridge down cleanly")

	rlog, err := ridelog.Open(ridelog.Config{Path: dbPath})
	suite.Require().NoError(err, "ride log MUST reopen")
	defer rlog.Close() //nolint:errcheck

	count, err := rlog.Count()
	suite.Require().NoError(err, "count MUST succeed")
	suite.Assert().GreaterOrEqual(count, int64(1), "the pre-drop sample MUST be persisted")
}

func (suite *BridgeTestSuite) TestBridgeCmd_NoSinks() {
	// GOAL: Verify the bridge refuses to run without a destination
	//
	// TEST SCENARIO: Execute bridge with neither --mqtt-broker nor --db →
	// validation error

	cmd := &cobra.Command{}
	cmd.AddCommand(bridgeCmd)

	_, err := executeCommand(cmd, "bridge")
	suite.Require().Error(err, "bridge without sinks MUST return error")
	suite.Assert().Contains(err.Error(), "nothing to bridge", "error MUST name the missing sinks")
}

// TestBridgeCommandSuite runs the test suite
func TestBridgeCommandSuite(t *testing.T) {
	suite.Run(t, new(BridgeTestSuite))
}
