// Package enginetest provides a scripted engine fake and a QUIC Initial
// packet encoder for tests. The fake records every call so tests can assert
// on the exact bytes handed to an engine.
package enginetest

import (
	"crypto/x509"
	"fmt"
	"net/netip"
	"time"

	"github.com/quicmitm/quicmitm/engine"
)

// StreamWrite records one SendStreamData call.
type StreamWrite struct {
	StreamID  int64
	Data      []byte
	EndStream bool
}

// ResetCall records one ResetStream call.
type ResetCall struct {
	StreamID  int64
	ErrorCode uint64
}

// CloseCall records one Close call.
type CloseCall struct {
	ErrorCode uint64
	FrameType *uint64
	Reason    string
}

// Instance is a scripted engine.Instance. Tests push events and outgoing
// packets; the fake records everything the layers do to it.
type Instance struct {
	Cfg     engine.Config
	HostCID []byte

	events     []engine.Event
	outbox     []engine.Datagram
	timer      time.Time
	closeEvent *engine.ConnectionTerminated

	peerCerts []*x509.Certificate
	cipher    uint16

	Received       [][]byte
	SentStreams    []StreamWrite
	SentDatagrams  [][]byte
	Resets         []ResetCall
	Closed         *CloseCall
	ConnectedTo    *netip.AddrPort
	HandledTimerAt []time.Time
}

var _ engine.Instance = (*Instance)(nil)

// NewInstance builds a fake with the given host connection ID.
func NewInstance(hostCID []byte) *Instance {
	return &Instance{HostCID: hostCID, cipher: 0x1301} // TLS_AES_128_GCM_SHA256
}

// PushEvent queues an event for the next drain.
func (i *Instance) PushEvent(ev engine.Event) {
	i.events = append(i.events, ev)
}

// PushDatagram queues an outgoing packet.
func (i *Instance) PushDatagram(data []byte, to netip.AddrPort) {
	i.outbox = append(i.outbox, engine.Datagram{Data: data, To: to})
}

// SetTimer sets the deadline Timer reports.
func (i *Instance) SetTimer(t time.Time) {
	i.timer = t
}

// SetPeerCertificates scripts the chain PeerCertificates returns.
func (i *Instance) SetPeerCertificates(certs []*x509.Certificate) {
	i.peerCerts = certs
}

func (i *Instance) ReceiveDatagram(data []byte, _ netip.AddrPort, _ time.Time) {
	i.Received = append(i.Received, data)
}

func (i *Instance) NextEvent() engine.Event {
	if len(i.events) == 0 {
		return nil
	}
	ev := i.events[0]
	i.events = i.events[1:]
	return ev
}

func (i *Instance) DatagramsToSend(_ time.Time) []engine.Datagram {
	out := i.outbox
	i.outbox = nil
	return out
}

func (i *Instance) Timer() time.Time {
	return i.timer
}

func (i *Instance) HandleTimer(now time.Time) {
	i.HandledTimerAt = append(i.HandledTimerAt, now)
}

func (i *Instance) Connect(peer netip.AddrPort, _ time.Time) {
	i.ConnectedTo = &peer
}

func (i *Instance) Close(errorCode uint64, frameType *uint64, reason string) {
	i.Closed = &CloseCall{ErrorCode: errorCode, FrameType: frameType, Reason: reason}
	if i.closeEvent == nil {
		i.closeEvent = &engine.ConnectionTerminated{
			ErrorCode: errorCode,
			FrameType: frameType,
			Reason:    reason,
		}
		i.events = append(i.events, *i.closeEvent)
	}
}

func (i *Instance) Abort(ev engine.ConnectionTerminated) {
	if i.closeEvent == nil {
		i.closeEvent = &ev
		i.events = append(i.events, ev)
	}
}

func (i *Instance) SendStreamData(streamID int64, data []byte, endStream bool) {
	i.SentStreams = append(i.SentStreams, StreamWrite{StreamID: streamID, Data: data, EndStream: endStream})
}

func (i *Instance) SendDatagramFrame(data []byte) {
	i.SentDatagrams = append(i.SentDatagrams, data)
}

func (i *Instance) ResetStream(streamID int64, errorCode uint64) {
	i.Resets = append(i.Resets, ResetCall{StreamID: streamID, ErrorCode: errorCode})
}

func (i *Instance) HostConnectionID() []byte {
	return i.HostCID
}

func (i *Instance) CloseEvent() *engine.ConnectionTerminated {
	return i.closeEvent
}

func (i *Instance) PeerCertificates() []*x509.Certificate {
	return i.peerCerts
}

func (i *Instance) CipherSuite() uint16 {
	return i.cipher
}

// Factory hands out fakes and records the configurations engines were
// created with.
type Factory struct {
	// Err makes NewInstance fail when set.
	Err error
	// Instances collects every fake created, in order.
	Instances []*Instance
}

var _ engine.Factory = (*Factory)(nil)

func (f *Factory) NewInstance(cfg engine.Config) (engine.Instance, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	inst := NewInstance([]byte(fmt.Sprintf("cid-%d", len(f.Instances))))
	inst.Cfg = cfg
	f.Instances = append(f.Instances, inst)
	return inst, nil
}
