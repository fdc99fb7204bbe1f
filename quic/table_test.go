package quic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnTableOwnership(t *testing.T) {
	f := newFixture()
	table := NewConnTable()
	layer, _ := newClientFixture(f, false)
	other, _ := newClientFixture(f, false)

	cid := []byte{1, 2, 3, 4, 5}
	assert.Nil(t, table.Lookup(clientSock, cid))

	table.Add(clientSock, cid, layer)
	assert.Equal(t, layer, table.Lookup(clientSock, cid))

	// the same CID on a different socket is a different key
	assert.Nil(t, table.Lookup(upstreamAddr, cid))

	// duplicate registration is a bug
	assert.Panics(t, func() { table.Add(clientSock, cid, other) })

	// only the owner may retire
	assert.Panics(t, func() { table.Remove(clientSock, cid, other) })

	table.Remove(clientSock, cid, layer)
	assert.Nil(t, table.Lookup(clientSock, cid))
}

func TestConnTableRemoveOwner(t *testing.T) {
	f := newFixture()
	table := NewConnTable()
	layer, _ := newClientFixture(f, false)
	other, _ := newClientFixture(f, false)

	table.Add(clientSock, []byte{1}, layer)
	table.Add(clientSock, []byte{2}, layer)
	table.Add(clientSock, []byte{3}, other)

	table.RemoveOwner(layer)
	assert.Nil(t, table.Lookup(clientSock, []byte{1}))
	assert.Nil(t, table.Lookup(clientSock, []byte{2}))
	assert.Equal(t, other, table.Lookup(clientSock, []byte{3}))
}
