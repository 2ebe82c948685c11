// Package transporttest provides a configurable Transport for tests.
package transporttest

import (
	"sync/atomic"

	"github.com/xferd/xferd/internal/transmit"
	"github.com/xferd/xferd/internal/transmit/transmittest"
	"github.com/xferd/xferd/internal/transport"
)

// Transport builds adapters from its factory fields.
type Transport struct {
	NameValue    string
	SenderCaps   transmit.Capabilities
	ReceiverCaps transmit.Capabilities
	// Attrs is advertised for every transfer and role.
	Attrs map[string]string

	SenderFactory   func() transmit.SenderAdapter
	ReceiverFactory func() transmit.ReceiverAdapter

	senders   atomic.Int32
	receivers atomic.Int32
	closed    atomic.Bool
}

// New returns a transport building default fake adapters: an active
// deterministic sender and a receiver with the given capabilities.
func New(name string, recvActive bool, recvMode transmit.ChunkingMode) *Transport {
	t := &Transport{
		NameValue:    name,
		SenderCaps:   transmit.Capabilities{Active: true, Chunking: transmit.ChunkingDeterministic},
		ReceiverCaps: transmit.Capabilities{Active: recvActive, Chunking: recvMode},
	}
	t.SenderFactory = func() transmit.SenderAdapter {
		s := transmittest.NewSender(name)
		s.Caps = t.SenderCaps
		return s
	}
	t.ReceiverFactory = func() transmit.ReceiverAdapter {
		return transmittest.NewReceiver(name, recvActive, recvMode, nil)
	}
	return t
}

func (t *Transport) Name() string { return t.NameValue }

func (t *Transport) SenderCapabilities() transmit.Capabilities   { return t.SenderCaps }
func (t *Transport) ReceiverCapabilities() transmit.Capabilities { return t.ReceiverCaps }

func (t *Transport) NewSender() transmit.SenderAdapter {
	t.senders.Add(1)
	return t.SenderFactory()
}

func (t *Transport) NewReceiver() transmit.ReceiverAdapter {
	t.receivers.Add(1)
	return t.ReceiverFactory()
}

func (t *Transport) ConnectAttrs(string, transport.Role) (map[string]string, error) {
	return t.Attrs, nil
}

func (t *Transport) Close() error {
	t.closed.Store(true)
	return nil
}

// Built returns how many senders and receivers were built.
func (t *Transport) Built() (senders, receivers int) {
	return int(t.senders.Load()), int(t.receivers.Load())
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	return t.closed.Load()
}
