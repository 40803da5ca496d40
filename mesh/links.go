package mesh

import (
	"errors"
	"fmt"

	"meshlink/models"
	"meshlink/transport"
)

// ErrNoLink is returned when a neighbor has no usable connection.
var ErrNoLink = errors.New("mesh: no link to device")

// Sender hands an encoded message to the adapter that owns conn.
type Sender interface {
	SendTo(conn ConnectionInfo, payload []byte) error
}

// Adapters routes sends to the adapter of each connection's kind.
type Adapters map[transport.Kind]transport.Adapter

// SendTo implements Sender.
func (a Adapters) SendTo(conn ConnectionInfo, payload []byte) error {
	adapter, ok := a[conn.Kind]
	if !ok {
		return fmt.Errorf("%w: no %s adapter for %s", transport.ErrUnknownConnection, conn.Kind, conn.Identifier)
	}
	return adapter.Send(conn.Identifier, payload)
}

// outbox is how route discovery, store-and-forward and the health monitor
// put traffic on the wire. Calls happen on the dispatcher worker.
type outbox interface {
	// flood marks msg seen and sends it to every linked device except one.
	flood(msg models.Message, exceptDeviceID string) int
	// sendToNeighbor sends msg on the best link to a directly linked device.
	sendToNeighbor(deviceID string, msg models.Message) error
}
