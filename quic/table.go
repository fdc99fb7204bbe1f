// Package quic implements the interception core: the layer state machines
// that terminate QUIC on the client side, bootstrap a parallel upstream
// connection, relay streams and datagrams through the addon hook pipeline,
// and route migrated clients back to their original handler.
package quic

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/quicmitm/quicmitm/proxy"
)

// Runtime extends the proxy runtime with the process-wide connection-ID
// table. One Runtime serves every handler of a proxy instance.
type Runtime struct {
	*proxy.Runtime
	Connections *ConnTable
}

// NewRuntime wraps a proxy runtime for use by the QUIC layers.
func NewRuntime(rt *proxy.Runtime) *Runtime {
	return &Runtime{
		Runtime:     rt,
		Connections: NewConnTable(),
	}
}

type connKey struct {
	sock netip.AddrPort
	cid  string
}

// ConnTable maps (local socket address, connection ID) pairs to the client
// layer that owns them. Handlers run on separate goroutines, so access is
// serialized; every key has at most one owner at a time and inserts of an
// owned key panic, because they indicate a bug.
type ConnTable struct {
	mu     sync.Mutex
	owners map[connKey]*ClientQuicLayer
}

func NewConnTable() *ConnTable {
	return &ConnTable{owners: make(map[connKey]*ClientQuicLayer)}
}

// Add registers layer as the owner of (sock, cid).
func (t *ConnTable) Add(sock netip.AddrPort, cid []byte, layer *ClientQuicLayer) {
	key := connKey{sock: sock, cid: string(cid)}
	t.mu.Lock()
	defer t.mu.Unlock()
	if owner, ok := t.owners[key]; ok {
		panic(fmt.Sprintf("connection ID %x on %s already owned by %p", cid, sock, owner))
	}
	t.owners[key] = layer
}

// Remove retires (sock, cid). The caller must be the registered owner.
func (t *ConnTable) Remove(sock netip.AddrPort, cid []byte, layer *ClientQuicLayer) {
	key := connKey{sock: sock, cid: string(cid)}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.owners[key] != layer {
		panic(fmt.Sprintf("connection ID %x on %s not owned by caller", cid, sock))
	}
	delete(t.owners, key)
}

// Lookup returns the owner of (sock, cid), or nil.
func (t *ConnTable) Lookup(sock netip.AddrPort, cid []byte) *ClientQuicLayer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.owners[connKey{sock: sock, cid: string(cid)}]
}

// RemoveOwner drops every key registered to layer. Used at endpoint
// termination so a crashed handshake cannot leak routing entries.
func (t *ConnTable) RemoveOwner(layer *ClientQuicLayer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, owner := range t.owners {
		if owner == layer {
			delete(t.owners, key)
		}
	}
}
