package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quicmitm/quicmitm/engine"
	"github.com/quicmitm/quicmitm/engine/enginetest"
)

func TestParseHeaderInitial(t *testing.T) {
	dcid := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	scid := []byte{9, 10, 11, 12}
	packet := enginetest.BuildInitial(engine.Version1, dcid, scid, enginetest.BuildClientHello("example.com", []string{"h3"}, nil), 1200)

	hdr, err := engine.ParseHeader(packet, 8)
	require.NoError(t, err)
	assert.True(t, hdr.IsLongHeader)
	assert.Equal(t, engine.PacketTypeInitial, hdr.PacketType)
	assert.Equal(t, engine.Version1, hdr.Version)
	assert.Equal(t, dcid, hdr.DestinationCID)
	assert.Equal(t, scid, hdr.SourceCID)
	assert.Empty(t, hdr.Token)
	assert.Greater(t, hdr.PayloadLength, 0)
}

func TestParseHeaderShort(t *testing.T) {
	packet := append([]byte{0x40}, []byte("cid-0abcdef")...)
	hdr, err := engine.ParseHeader(packet, 5)
	require.NoError(t, err)
	assert.False(t, hdr.IsLongHeader)
	assert.Equal(t, engine.PacketTypeOneRTT, hdr.PacketType)
	assert.Equal(t, []byte("cid-0"), hdr.DestinationCID)
}

func TestParseHeaderRejectsGarbage(t *testing.T) {
	for _, packet := range [][]byte{
		nil,
		{0x00, 0x01}, // fixed bit unset
		{0x40},       // short header too short for the CID
		{0xc0, 0x00, 0x00, 0x00, 0x01, 21}, // CID longer than 20 bytes
	} {
		_, err := engine.ParseHeader(packet, 8)
		assert.Error(t, err, "packet %x", packet)
	}
}

func TestParseHeaderVersionNegotiation(t *testing.T) {
	packet := engine.EncodeVersionNegotiation([]byte{1, 2}, []byte{3, 4}, engine.SupportedVersions)
	hdr, err := engine.ParseHeader(packet, 8)
	require.NoError(t, err)
	assert.Equal(t, engine.PacketTypeVersionNegotiation, hdr.PacketType)
	assert.Equal(t, uint32(0), hdr.Version)
	assert.Equal(t, []byte{1, 2}, hdr.DestinationCID)
	assert.Equal(t, []byte{3, 4}, hdr.SourceCID)
}

func TestEncodeVersionNegotiationListsAllVersions(t *testing.T) {
	packet := engine.EncodeVersionNegotiation([]byte{1}, []byte{2}, engine.SupportedVersions)
	// header: first byte, version, 1+1 bytes per CID
	versions := packet[1+4+2+2:]
	require.Len(t, versions, 4*len(engine.SupportedVersions))
	for i, v := range engine.SupportedVersions {
		got := uint32(versions[i*4])<<24 | uint32(versions[i*4+1])<<16 | uint32(versions[i*4+2])<<8 | uint32(versions[i*4+3])
		assert.Equal(t, v, got)
	}
}

func TestIsSupportedVersion(t *testing.T) {
	assert.True(t, engine.IsSupportedVersion(engine.Version1))
	assert.True(t, engine.IsSupportedVersion(engine.Version2))
	assert.False(t, engine.IsSupportedVersion(0xff000001))
	assert.False(t, engine.IsSupportedVersion(0))
}
