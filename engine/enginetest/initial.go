package enginetest

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"

	"github.com/quic-go/quic-go/quicvarint"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/hkdf"

	"github.com/quicmitm/quicmitm/engine"
)

var (
	saltV1 = []byte{
		0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3, 0x4d, 0x17,
		0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad, 0xcc, 0xbb, 0x7f, 0x0a,
	}
	saltV2 = []byte{
		0x0d, 0xed, 0xe3, 0xde, 0xf7, 0x00, 0xa6, 0xdb, 0x81, 0x93,
		0x81, 0xbe, 0x6e, 0x26, 0x9d, 0xcb, 0xf9, 0xbd, 0x2e, 0xd9,
	}
)

// BuildClientHello serializes a TLS ClientHello handshake message carrying
// the given SNI, ALPN offers and cipher suites.
func BuildClientHello(sni string, alpns []string, ciphers []uint16) []byte {
	var b cryptobyte.Builder
	b.AddUint8(0x01) // client_hello
	b.AddUint24LengthPrefixed(func(body *cryptobyte.Builder) {
		body.AddUint16(0x0303) // legacy_version
		var random [32]byte
		body.AddBytes(random[:])
		body.AddUint8LengthPrefixed(func(*cryptobyte.Builder) {}) // session id
		body.AddUint16LengthPrefixed(func(suites *cryptobyte.Builder) {
			for _, suite := range ciphers {
				suites.AddUint16(suite)
			}
		})
		body.AddUint8LengthPrefixed(func(compression *cryptobyte.Builder) {
			compression.AddUint8(0)
		})
		body.AddUint16LengthPrefixed(func(exts *cryptobyte.Builder) {
			if sni != "" {
				exts.AddUint16(0) // server_name
				exts.AddUint16LengthPrefixed(func(ext *cryptobyte.Builder) {
					ext.AddUint16LengthPrefixed(func(list *cryptobyte.Builder) {
						list.AddUint8(0) // host_name
						list.AddUint16LengthPrefixed(func(name *cryptobyte.Builder) {
							name.AddBytes([]byte(sni))
						})
					})
				})
			}
			if len(alpns) > 0 {
				exts.AddUint16(16) // application_layer_protocol_negotiation
				exts.AddUint16LengthPrefixed(func(ext *cryptobyte.Builder) {
					ext.AddUint16LengthPrefixed(func(list *cryptobyte.Builder) {
						for _, proto := range alpns {
							list.AddUint8LengthPrefixed(func(p *cryptobyte.Builder) {
								p.AddBytes([]byte(proto))
							})
						}
					})
				})
			}
			exts.AddUint16(43) // supported_versions
			exts.AddUint16LengthPrefixed(func(ext *cryptobyte.Builder) {
				ext.AddUint8LengthPrefixed(func(versions *cryptobyte.Builder) {
					versions.AddUint16(0x0304)
				})
			})
		})
	})
	return b.BytesOrPanic()
}

// BuildInitial seals a CRYPTO payload into a client Initial packet of
// exactly size bytes, protected with the version's initial keys, so that
// the parse-only decoder can open it like a real first flight.
func BuildInitial(version uint32, dcid, scid, crypto []byte, size int) []byte {
	const pnLen = 1

	// header up to the packet number
	first := byte(0x80 | 0x40 | (pnLen - 1))
	if version == engine.Version2 {
		first |= 0x1 << 4
	}
	header := []byte{first}
	header = binary.BigEndian.AppendUint32(header, version)
	header = append(header, byte(len(dcid)))
	header = append(header, dcid...)
	header = append(header, byte(len(scid)))
	header = append(header, scid...)
	header = quicvarint.Append(header, 0) // token length

	// CRYPTO frame plus padding up to the requested packet size
	frame := []byte{0x06}
	frame = quicvarint.Append(frame, 0)
	frame = quicvarint.Append(frame, uint64(len(crypto)))
	frame = append(frame, crypto...)

	// pad the plaintext so the whole packet comes out at the requested
	// size: header, 2-byte length field, packet number, payload, tag
	plaintextLen := size - len(header) - 2 - pnLen - 16
	if plaintextLen < len(frame) {
		plaintextLen = len(frame)
	}
	plaintext := make([]byte, plaintextLen)
	copy(plaintext, frame)

	payloadLen := uint64(pnLen + len(plaintext) + 16)
	header = quicvarint.AppendWithLen(header, payloadLen, 2)
	header = append(header, 0) // packet number

	salt, keyLabel, ivLabel, hpLabel := saltV1, "quic key", "quic iv", "quic hp"
	if version == engine.Version2 {
		salt, keyLabel, ivLabel, hpLabel = saltV2, "quicv2 key", "quicv2 iv", "quicv2 hp"
	}
	initialSecret := hkdf.Extract(sha256.New, dcid, salt)
	clientSecret := expandLabel(initialSecret, "client in", 32)
	key := expandLabel(clientSecret, keyLabel, 16)
	iv := expandLabel(clientSecret, ivLabel, 12)
	hp := expandLabel(clientSecret, hpLabel, 16)

	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		panic(err)
	}
	// packet number zero: the nonce is the IV itself
	packet := aead.Seal(header[:len(header):len(header)], iv, plaintext, header)

	hpBlock, err := aes.NewCipher(hp)
	if err != nil {
		panic(err)
	}
	var mask [16]byte
	pnStart := len(header) - pnLen
	hpBlock.Encrypt(mask[:], packet[pnStart+4:pnStart+20])
	packet[0] ^= mask[0] & 0x0f
	packet[pnStart] ^= mask[1]
	return packet
}

func expandLabel(secret []byte, label string, length int) []byte {
	hkdfLabel := make([]byte, 0, 4+6+len(label))
	hkdfLabel = binary.BigEndian.AppendUint16(hkdfLabel, uint16(length))
	hkdfLabel = append(hkdfLabel, byte(6+len(label)))
	hkdfLabel = append(hkdfLabel, []byte("tls13 ")...)
	hkdfLabel = append(hkdfLabel, []byte(label)...)
	hkdfLabel = append(hkdfLabel, 0)
	out := make([]byte, length)
	if _, err := hkdf.Expand(sha256.New, secret, hkdfLabel).Read(out); err != nil {
		panic(err)
	}
	return out
}
