package node

import (
	"context"
	"time"

	"github.com/go-ble/ble"

	"github.com/srg/ebikelink/internal/wire"
)

// advertiseLoop keeps the service discoverable until ctx is cancelled.
// go-ble resumes advertising on its own after a central connects, so one
// call normally spans the node lifetime; the retry path covers controller
// hiccups without tearing the node down.
func (n *Node) advertiseLoop(ctx context.Context) {
	for {
		err := ble.AdvertiseNameAndServices(ctx, n.cfg.Name, wire.ServiceUUID)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			n.logger.WithError(err).Warn("advertising stopped, restarting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wire.AdvertisingInterval):
		}
	}
}
