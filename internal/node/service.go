package node

import (
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/ebikelink/internal/wire"
)

// buildService assembles the GATT layout: one characteristic per telemetry
// field, readable and notifiable, plus the writable command channel.
func (n *Node) buildService() *ble.Service {
	svc := ble.NewService(wire.ServiceUUID)
	for _, f := range wire.Fields() {
		n.addTelemetryChar(svc, f)
	}
	n.addCommandChar(svc)
	return svc
}

func (n *Node) addTelemetryChar(svc *ble.Service, f wire.Field) {
	c := svc.NewCharacteristic(f.UUID())

	c.HandleRead(ble.ReadHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
		if !n.admit(req) {
			return
		}
		if _, err := rsp.Write(n.readTelemetry(f)); err != nil {
			n.logger.WithError(err).WithField("field", f.String()).Warn("read response failed")
		}
	}))

	c.HandleNotify(ble.NotifyHandlerFunc(func(req ble.Request, nt ble.Notifier) {
		if !n.admit(req) {
			return
		}
		n.streamField(f, req, nt)
	}))

	// Characteristic User Description
	c.NewDescriptor(ble.UUID16(0x2901)).SetValue([]byte(f.String() + " (" + f.Unit() + ")"))
}

// streamField pumps one notify session. It holds the subscription for the
// session lifetime and returns when the central unsubscribes, disconnects
// or a write fails.
func (n *Node) streamField(f wire.Field, req ble.Request, nt ble.Notifier) {
	sub := n.pub.subscribe(f)
	defer n.pub.unsubscribe(f, sub)

	log := n.logger.WithFields(logrus.Fields{
		"field": f.String(),
		"peer":  req.Conn().RemoteAddr().String(),
	})
	log.Debug("notification stream opened")
	defer log.Debug("notification stream closed")

	for {
		select {
		case <-nt.Context().Done():
			return
		case buf, ok := <-sub.C():
			if !ok {
				return
			}
			if _, err := nt.Write(buf); err != nil {
				n.cfg.Metrics.PublishError(f.String())
				log.WithError(err).Debug("notify write failed, ending stream")
				return
			}
		}
	}
}

func (n *Node) addCommandChar(svc *ble.Service) {
	c := svc.NewCharacteristic(wire.CommandUUID)

	c.HandleWrite(ble.WriteHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
		if !n.admit(req) {
			return
		}
		n.applyCommand(req.Data())
	}))

	// Characteristic User Description
	c.NewDescriptor(ble.UUID16(0x2901)).SetValue([]byte("display command channel"))
}
