// Package inspector runs short-lived operations against a connected sensor.
package inspector

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/ebikelink/internal/client"
)

// DefaultConnectTimeout bounds discovery and connection for one-shot
// operations.
const DefaultConnectTimeout = 30 * time.Second

// ProgressCallback is called when the inspection phase changes
type ProgressCallback func(phase string)

// InspectOptions defines options for inspecting a sensor
type InspectOptions struct {
	ConnectTimeout time.Duration
}

// InspectCallback processes a connected link and produces output of type R
type InspectCallback[R any] func(*client.Link) (R, error)

// InspectDevice connects to the sensor, executes the callback against the
// live link, and disconnects afterwards. The link lifecycle is managed
// automatically; the callback can read the board, send commands, or collect
// telemetry and return any result type R along with an error.
// Optional progressCallback can be provided for connection progress updates.
func InspectDevice[R any](ctx context.Context, cfg client.Config, opts *InspectOptions, progressCallback ProgressCallback, callback InspectCallback[R]) (R, error) {
	var zero R
	if opts == nil || opts.ConnectTimeout <= 0 {
		opts = &InspectOptions{ConnectTimeout: DefaultConnectTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}

	// Report phase change: starting connection
	progressCallback("Connecting")

	link := client.New(cfg)

	connectCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	if err := link.Connect(connectCtx); err != nil {
		progressCallback("Failed")
		return zero, err
	}

	// Report phase change: connected
	progressCallback("Connected")

	// Ensure the link is released after the callback completes
	defer func() {
		if err := link.Disconnect(); err != nil {
			cfg.Logger.WithError(err).Error("failed to disconnect sensor")
		}
	}()

	// Report phase change: processing results
	progressCallback("Processing results")

	// Execute callback with the connected link
	return callback(link)
}
