package engine

import (
	"net/netip"
	"time"
)

// Adapter is the thin surface the proxy layers use to drive an Instance:
// feed datagrams in, drain packet-out and events, and read the timer.
type Adapter struct {
	inst Instance
}

// NewAdapter wraps an engine instance.
func NewAdapter(inst Instance) *Adapter {
	return &Adapter{inst: inst}
}

// Instance exposes the wrapped engine for operations outside the
// feed/drain/timer loop (stream writes, close, certificates).
func (a *Adapter) Instance() Instance {
	return a.inst
}

// FeedDatagram passes an inbound packet into the engine.
func (a *Adapter) FeedDatagram(data []byte, from netip.AddrPort, now time.Time) {
	a.inst.ReceiveDatagram(data, from, now)
}

// DrainEvents pops every pending engine event in arrival order.
func (a *Adapter) DrainEvents() []Event {
	var events []Event
	for {
		ev := a.inst.NextEvent()
		if ev == nil {
			return events
		}
		events = append(events, ev)
	}
}

// PendingPackets drains the packets the engine wants sent, in queue order.
func (a *Adapter) PendingPackets(now time.Time) []Datagram {
	return a.inst.DatagramsToSend(now)
}

// NextDeadline returns the engine's next timer deadline.
func (a *Adapter) NextDeadline() time.Time {
	return a.inst.Timer()
}
