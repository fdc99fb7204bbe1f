package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quicmitm/quicmitm/engine"
	"github.com/quicmitm/quicmitm/engine/enginetest"
)

var (
	testDCID = []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01, 0x02, 0x03}
	testSCID = []byte{0xca, 0xfe, 0x00, 0x01}
)

func buildHello(t *testing.T, version uint32, sni string, alpns []string, ciphers []uint16) []byte {
	t.Helper()
	hello := enginetest.BuildClientHello(sni, alpns, ciphers)
	return enginetest.BuildInitial(version, testDCID, testSCID, hello, 1200)
}

func TestParseClientHello(t *testing.T) {
	packet := buildHello(t, engine.Version1, "example.com", []string{"h3"}, []uint16{0x1301, 0x1302})

	hello, err := engine.ParseClientHello(packet, 8)
	require.NoError(t, err)
	assert.Equal(t, "example.com", hello.SNI)
	assert.Equal(t, []string{"h3"}, hello.ALPNProtocols)
	assert.Equal(t, []uint16{0x1301, 0x1302}, hello.CipherSuites)
	assert.NotEmpty(t, hello.Raw)
}

func TestParseClientHelloVersion2(t *testing.T) {
	packet := buildHello(t, engine.Version2, "v2.example.com", []string{"h3", "hq-interop"}, []uint16{0x1301})

	hello, err := engine.ParseClientHello(packet, 8)
	require.NoError(t, err)
	assert.Equal(t, "v2.example.com", hello.SNI)
	assert.Equal(t, []string{"h3", "hq-interop"}, hello.ALPNProtocols)
}

func TestParseClientHelloWithoutSNI(t *testing.T) {
	packet := buildHello(t, engine.Version1, "", []string{"h3"}, []uint16{0x1301})

	hello, err := engine.ParseClientHello(packet, 8)
	require.NoError(t, err)
	assert.Empty(t, hello.SNI)
	assert.Equal(t, []string{"h3"}, hello.ALPNProtocols)
}

func TestParseClientHelloRejectsNonInitial(t *testing.T) {
	packet := append([]byte{0x40}, make([]byte, 20)...)
	_, err := engine.ParseClientHello(packet, 8)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an initial")
}

func TestParseClientHelloRejectsUnsupportedVersion(t *testing.T) {
	packet := buildHello(t, engine.Version1, "example.com", []string{"h3"}, []uint16{0x1301})
	// rewrite the version field
	packet[1], packet[2], packet[3], packet[4] = 0xff, 0x00, 0x00, 0x01

	_, err := engine.ParseClientHello(packet, 8)
	require.Error(t, err)
}

func TestParseClientHelloRejectsTamperedPayload(t *testing.T) {
	packet := buildHello(t, engine.Version1, "example.com", []string{"h3"}, []uint16{0x1301})
	packet[len(packet)-1] ^= 0xff

	_, err := engine.ParseClientHello(packet, 8)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decryption failed")
}

func TestParseClientHelloRejectsForeignCrypto(t *testing.T) {
	// a ServerHello where the ClientHello belongs
	serverHello := []byte{0x02, 0x00, 0x00, 0x02, 0x03, 0x03}
	packet := enginetest.BuildInitial(engine.Version1, testDCID, testSCID, serverHello, 1200)

	_, err := engine.ParseClientHello(packet, 8)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handshake message type")
}
