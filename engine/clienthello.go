package engine

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go/quicvarint"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/hkdf"
)

// ClientHello is the first TLS record of a QUIC handshake, extracted from an
// Initial packet without advancing any connection state.
type ClientHello struct {
	SNI           string
	ALPNProtocols []string
	CipherSuites  []uint16
	// Raw is the ClientHello handshake message body.
	Raw []byte
}

// Initial packet protection salts, RFC 9001 §5.2 and RFC 9369 §3.3.1.
var (
	initialSaltV1 = []byte{
		0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3, 0x4d, 0x17,
		0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad, 0xcc, 0xbb, 0x7f, 0x0a,
	}
	initialSaltV2 = []byte{
		0x0d, 0xed, 0xe3, 0xde, 0xf7, 0x00, 0xa6, 0xdb, 0x81, 0x93,
		0x81, 0xbe, 0x6e, 0x26, 0x9d, 0xcb, 0xf9, 0xbd, 0x2e, 0xd9,
	}
)

const (
	frameTypePadding   = 0x00
	frameTypePing      = 0x01
	frameTypeACK       = 0x02
	frameTypeACKECN    = 0x03
	frameTypeCrypto    = 0x06
	handshakeTypeHello = 0x01
)

// ParseClientHello decrypts the given Initial packet and returns the
// ClientHello it carries. The packet must be the client's first flight;
// anything else is a parse error.
func ParseClientHello(data []byte, cidLength int) (*ClientHello, error) {
	hdr, err := ParseHeader(data, cidLength)
	if err != nil {
		return nil, err
	}
	if hdr.PacketType != PacketTypeInitial {
		return nil, errors.New("packet is not an initial one")
	}
	if !IsSupportedVersion(hdr.Version) {
		return nil, errors.Errorf("unsupported version 0x%x", hdr.Version)
	}

	plaintext, err := decryptInitial(data, hdr)
	if err != nil {
		return nil, err
	}
	crypto, err := reassembleCrypto(plaintext)
	if err != nil {
		return nil, err
	}
	return parseClientHelloBody(crypto)
}

// decryptInitial removes header protection and opens the Initial payload
// with the client's version-specific initial keys.
func decryptInitial(data []byte, hdr *Header) ([]byte, error) {
	salt, keyLabel, ivLabel, hpLabel := initialSaltV1, "quic key", "quic iv", "quic hp"
	if hdr.Version == Version2 {
		salt, keyLabel, ivLabel, hpLabel = initialSaltV2, "quicv2 key", "quicv2 iv", "quicv2 hp"
	}

	initialSecret := hkdf.Extract(sha256.New, hdr.DestinationCID, salt)
	clientSecret := hkdfExpandLabel(initialSecret, "client in", 32)
	key := hkdfExpandLabel(clientSecret, keyLabel, 16)
	iv := hkdfExpandLabel(clientSecret, ivLabel, 12)
	hp := hkdfExpandLabel(clientSecret, hpLabel, 16)

	if hdr.PNOffset+4+16 > len(data) {
		return nil, errors.New("packet too short for header protection sample")
	}
	hpBlock, err := aes.NewCipher(hp)
	if err != nil {
		return nil, err
	}
	var mask [16]byte
	hpBlock.Encrypt(mask[:], data[hdr.PNOffset+4:hdr.PNOffset+20])

	header := make([]byte, hdr.PNOffset, hdr.PNOffset+4)
	copy(header, data[:hdr.PNOffset])
	header[0] ^= mask[0] & 0x0f
	pnLength := int(header[0]&0x3) + 1

	var packetNumber uint64
	for i := 0; i < pnLength; i++ {
		b := data[hdr.PNOffset+i] ^ mask[1+i]
		header = append(header, b)
		packetNumber = packetNumber<<8 | uint64(b)
	}

	if hdr.PNOffset+hdr.PayloadLength > len(data) {
		return nil, errors.New("payload length exceeds packet")
	}
	ciphertext := data[hdr.PNOffset+pnLength : hdr.PNOffset+hdr.PayloadLength]

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, 12)
	copy(nonce, iv)
	for i := 0; i < 8; i++ {
		nonce[11-i] ^= byte(packetNumber >> (8 * i))
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, header)
	if err != nil {
		return nil, errors.Wrap(err, "initial packet decryption failed")
	}
	return plaintext, nil
}

// reassembleCrypto walks the frames of a decrypted Initial payload and
// returns the CRYPTO stream starting at offset zero.
func reassembleCrypto(payload []byte) ([]byte, error) {
	var crypto []byte
	r := bytes.NewReader(payload)
	for r.Len() > 0 {
		frameType, err := quicvarint.Read(r)
		if err != nil {
			return nil, errors.Wrap(err, "frame type")
		}
		switch frameType {
		case frameTypePadding, frameTypePing:
		case frameTypeACK, frameTypeACKECN:
			if err := skipACKFrame(r, frameType == frameTypeACKECN); err != nil {
				return nil, err
			}
		case frameTypeCrypto:
			offset, err := quicvarint.Read(r)
			if err != nil {
				return nil, errors.Wrap(err, "crypto offset")
			}
			length, err := quicvarint.Read(r)
			if err != nil {
				return nil, errors.Wrap(err, "crypto length")
			}
			if length > uint64(r.Len()) {
				return nil, errors.New("crypto frame length exceeds payload")
			}
			chunk := make([]byte, length)
			_, _ = r.Read(chunk)
			if need := offset + length; need > uint64(len(crypto)) {
				grown := make([]byte, need)
				copy(grown, crypto)
				crypto = grown
			}
			copy(crypto[offset:], chunk)
		default:
			return nil, errors.Errorf("unexpected frame type 0x%x in initial packet", frameType)
		}
	}
	if len(crypto) == 0 {
		return nil, errors.New("initial packet carries no crypto data")
	}
	return crypto, nil
}

func skipACKFrame(r *bytes.Reader, ecn bool) error {
	// largest acked, delay; then range count, first range and one
	// gap/length pair per further range
	for i := 0; i < 2; i++ {
		if _, err := quicvarint.Read(r); err != nil {
			return errors.Wrap(err, "ack frame")
		}
	}
	rangeCount, err := quicvarint.Read(r)
	if err != nil {
		return errors.Wrap(err, "ack range count")
	}
	for i := uint64(0); i < 1+2*rangeCount; i++ {
		if _, err := quicvarint.Read(r); err != nil {
			return errors.Wrap(err, "ack range")
		}
	}
	if ecn {
		for i := 0; i < 3; i++ {
			if _, err := quicvarint.Read(r); err != nil {
				return errors.Wrap(err, "ack ecn counts")
			}
		}
	}
	return nil
}

// parseClientHelloBody expects the CRYPTO stream to start with a ClientHello
// handshake message and pulls SNI, ALPN offers and the cipher list from it.
func parseClientHelloBody(crypto []byte) (*ClientHello, error) {
	if len(crypto) < 4 {
		return nil, errors.New("crypto stream too short for a handshake header")
	}
	if crypto[0] != handshakeTypeHello {
		return nil, errors.Errorf("unexpected handshake message type 0x%x", crypto[0])
	}
	bodyLen := int(crypto[1])<<16 | int(crypto[2])<<8 | int(crypto[3])
	if 4+bodyLen > len(crypto) {
		return nil, errors.New("truncated ClientHello")
	}
	body := crypto[4 : 4+bodyLen]

	hello := &ClientHello{Raw: body}
	s := cryptobyte.String(body)

	var legacyVersion uint16
	var random []byte
	var sessionID cryptobyte.String
	if !s.ReadUint16(&legacyVersion) ||
		!s.ReadBytes(&random, 32) ||
		!s.ReadUint8LengthPrefixed(&sessionID) {
		return nil, errors.New("invalid ClientHello data")
	}

	var suites cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&suites) {
		return nil, errors.New("invalid cipher suite list")
	}
	for !suites.Empty() {
		var suite uint16
		if !suites.ReadUint16(&suite) {
			return nil, errors.New("invalid cipher suite list")
		}
		hello.CipherSuites = append(hello.CipherSuites, suite)
	}

	var compression cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&compression) {
		return nil, errors.New("invalid compression methods")
	}

	if s.Empty() {
		// extensions are optional; QUIC handshakes always carry them but
		// the parser does not insist
		return hello, nil
	}
	var extensions cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&extensions) {
		return nil, errors.New("invalid extensions block")
	}
	for !extensions.Empty() {
		var extType uint16
		var extData cryptobyte.String
		if !extensions.ReadUint16(&extType) || !extensions.ReadUint16LengthPrefixed(&extData) {
			return nil, errors.New("invalid extension")
		}
		switch extType {
		case 0: // server_name
			sni, err := parseServerName(extData)
			if err != nil {
				return nil, err
			}
			hello.SNI = sni
		case 16: // application_layer_protocol_negotiation
			alpn, err := parseALPN(extData)
			if err != nil {
				return nil, err
			}
			hello.ALPNProtocols = alpn
		}
	}
	return hello, nil
}

func parseServerName(data cryptobyte.String) (string, error) {
	var list cryptobyte.String
	if !data.ReadUint16LengthPrefixed(&list) {
		return "", errors.New("invalid server_name extension")
	}
	for !list.Empty() {
		var nameType uint8
		var name cryptobyte.String
		if !list.ReadUint8(&nameType) || !list.ReadUint16LengthPrefixed(&name) {
			return "", errors.New("invalid server_name entry")
		}
		if nameType == 0 {
			return string(name), nil
		}
	}
	return "", nil
}

func parseALPN(data cryptobyte.String) ([]string, error) {
	var list cryptobyte.String
	if !data.ReadUint16LengthPrefixed(&list) {
		return nil, errors.New("invalid ALPN extension")
	}
	var protocols []string
	for !list.Empty() {
		var proto cryptobyte.String
		if !list.ReadUint8LengthPrefixed(&proto) {
			return nil, errors.New("invalid ALPN entry")
		}
		protocols = append(protocols, string(proto))
	}
	return protocols, nil
}

// hkdfExpandLabel implements HKDF-Expand-Label from RFC 8446 §7.1 with the
// empty context QUIC initial keys use.
func hkdfExpandLabel(secret []byte, label string, length int) []byte {
	hkdfLabel := make([]byte, 0, 4+6+len(label))
	hkdfLabel = binary.BigEndian.AppendUint16(hkdfLabel, uint16(length))
	hkdfLabel = append(hkdfLabel, byte(6+len(label)))
	hkdfLabel = append(hkdfLabel, []byte("tls13 ")...)
	hkdfLabel = append(hkdfLabel, []byte(label)...)
	hkdfLabel = append(hkdfLabel, 0)
	out := make([]byte, length)
	if _, err := hkdf.Expand(sha256.New, secret, hkdfLabel).Read(out); err != nil {
		panic(fmt.Sprintf("hkdf expand: %v", err))
	}
	return out
}
