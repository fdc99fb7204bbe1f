package flow_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quicmitm/quicmitm/connection"
	"github.com/quicmitm/quicmitm/flow"
)

func testEndpoints() (*connection.Endpoint, *connection.Endpoint) {
	return &connection.Endpoint{Role: connection.RoleClient}, &connection.Endpoint{Role: connection.RoleServer}
}

func TestUDPFlowRecordsFirstErrorOnly(t *testing.T) {
	client, server := testEndpoints()
	f := flow.NewUDPFlow(client, server)
	require.True(t, f.Live)
	require.Nil(t, f.Err)

	now := time.Unix(1700000000, 0)
	assert.True(t, f.SetError("first", now))
	assert.False(t, f.SetError("second", now.Add(time.Second)))
	assert.Equal(t, "first", f.Err.Msg)
	assert.Equal(t, now, f.Err.At)
}

func TestTCPFlowRecordsFirstErrorOnly(t *testing.T) {
	client, server := testEndpoints()
	f := flow.NewTCPFlow(client, server)
	require.True(t, f.Live)

	now := time.Unix(1700000000, 0)
	assert.True(t, f.SetError("reset", now))
	assert.False(t, f.SetError("late", now))
	assert.Equal(t, "reset", f.Err.Msg)
}

func TestFlowIDsAreUnique(t *testing.T) {
	client, server := testEndpoints()
	a := flow.NewUDPFlow(client, server)
	b := flow.NewUDPFlow(client, server)
	assert.NotEqual(t, a.ID, b.ID)
}
