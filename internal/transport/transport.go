// Package transport provides the pluggable protocol layer: a registry of
// protocol factories, parallel instance setup and per-transfer tickets.
package transport

import (
	"github.com/xferd/xferd/internal/transmit"
)

// Role is the side of a transfer a protocol instance works on.
type Role int

const (
	RoleSender Role = iota
	RoleReceiver
)

func (r Role) String() string {
	if r == RoleSender {
		return "sender"
	}
	return "receiver"
}

// Default protocol names, in default preference order.
const (
	ProtocolHTTP      = "http"
	ProtocolWebSocket = "websocket"
	ProtocolSSH       = "ssh"
	ProtocolLocal     = "local"
)

// DefaultOrder is the preference order used when none is configured.
var DefaultOrder = []string{ProtocolHTTP, ProtocolWebSocket, ProtocolSSH, ProtocolLocal}

// Transport is a protocol plugin. It builds a fresh adapter for every
// transfer and owns whatever daemon-wide state the protocol needs, such as
// a listening server.
type Transport interface {
	// Name returns the protocol name used on the wire.
	Name() string

	// SenderCapabilities and ReceiverCapabilities describe the adapters
	// this transport builds.
	SenderCapabilities() transmit.Capabilities
	ReceiverCapabilities() transmit.Capabilities

	// NewSender and NewReceiver build a fresh adapter.
	NewSender() transmit.SenderAdapter
	NewReceiver() transmit.ReceiverAdapter

	// ConnectAttrs returns the attributes this host advertises to its peer
	// for a transfer, such as a listening port or an access ticket.
	ConnectAttrs(xmitID string, role Role) (map[string]string, error)

	// Close shuts down the transport and releases resources.
	Close() error
}

// Capabilities returns the capabilities of the adapters built for role.
func Capabilities(t Transport, role Role) transmit.Capabilities {
	if role == RoleSender {
		return t.SenderCapabilities()
	}
	return t.ReceiverCapabilities()
}
