package engine

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go/quicvarint"
)

// QUIC versions this proxy accepts and advertises during version
// negotiation.
const (
	Version1 uint32 = 0x1
	Version2 uint32 = 0x6b3343cf
)

// SupportedVersions lists every version advertised in a version negotiation
// packet, in preference order.
var SupportedVersions = []uint32{Version1, Version2}

// IsSupportedVersion reports whether v can be handled without negotiation.
func IsSupportedVersion(v uint32) bool {
	for _, s := range SupportedVersions {
		if v == s {
			return true
		}
	}
	return false
}

// PacketType classifies the first packet byte of a parsed header.
type PacketType int

const (
	PacketTypeInitial PacketType = iota
	PacketTypeZeroRTT
	PacketTypeHandshake
	PacketTypeRetry
	PacketTypeOneRTT
	PacketTypeVersionNegotiation
)

func (t PacketType) String() string {
	switch t {
	case PacketTypeInitial:
		return "initial"
	case PacketTypeZeroRTT:
		return "0-rtt"
	case PacketTypeHandshake:
		return "handshake"
	case PacketTypeRetry:
		return "retry"
	case PacketTypeOneRTT:
		return "1-rtt"
	default:
		return "version-negotiation"
	}
}

const maxCIDLength = 20

// Header is the invariant portion of a QUIC packet header, parsed without
// any keys.
type Header struct {
	PacketType     PacketType
	IsLongHeader   bool
	Version        uint32
	DestinationCID []byte
	SourceCID      []byte
	Token          []byte

	// PayloadLength and PNOffset are only set for Initial packets; they
	// locate the protected packet number and payload inside the datagram.
	PayloadLength int
	PNOffset      int
}

// ParseHeader pulls the header of the first QUIC packet in data. cidLength
// is the configured host connection-ID length, needed to delimit the
// destination CID of short-header packets.
func ParseHeader(data []byte, cidLength int) (*Header, error) {
	r := bytes.NewReader(data)
	first, err := r.ReadByte()
	if err != nil {
		return nil, errors.Wrap(err, "packet too short")
	}

	if first&0x80 == 0 {
		// Short header: fixed bit, then the destination CID of the
		// configured length.
		if first&0x40 == 0 {
			return nil, errors.New("fixed bit is zero")
		}
		if len(data) < 1+cidLength {
			return nil, errors.New("packet too short for connection ID")
		}
		return &Header{
			PacketType:     PacketTypeOneRTT,
			DestinationCID: data[1 : 1+cidLength],
		}, nil
	}

	var version uint32
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, errors.Wrap(err, "packet too short")
	}
	dcid, err := readCID(r)
	if err != nil {
		return nil, errors.Wrap(err, "destination connection ID")
	}
	scid, err := readCID(r)
	if err != nil {
		return nil, errors.Wrap(err, "source connection ID")
	}

	hdr := &Header{
		IsLongHeader:   true,
		Version:        version,
		DestinationCID: dcid,
		SourceCID:      scid,
	}
	if version == 0 {
		hdr.PacketType = PacketTypeVersionNegotiation
		return hdr, nil
	}

	hdr.PacketType = longPacketType(first, version)
	if !IsSupportedVersion(version) {
		// The rest of the packet cannot be parsed without knowing the
		// version's wire layout; the header is enough to negotiate.
		return hdr, nil
	}
	if first&0x40 == 0 {
		return nil, errors.New("fixed bit is zero")
	}
	if hdr.PacketType != PacketTypeInitial {
		return hdr, nil
	}

	tokenLen, err := quicvarint.Read(r)
	if err != nil {
		return nil, errors.Wrap(err, "token length")
	}
	if tokenLen > uint64(r.Len()) {
		return nil, errors.New("token length exceeds packet")
	}
	hdr.Token = make([]byte, tokenLen)
	_, _ = r.Read(hdr.Token)

	payloadLen, err := quicvarint.Read(r)
	if err != nil {
		return nil, errors.Wrap(err, "payload length")
	}
	if payloadLen > uint64(r.Len()) {
		return nil, errors.New("payload length exceeds packet")
	}
	hdr.PayloadLength = int(payloadLen)
	hdr.PNOffset = len(data) - r.Len()
	return hdr, nil
}

func readCID(r *bytes.Reader) ([]byte, error) {
	l, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if l > maxCIDLength {
		return nil, errors.Errorf("connection ID longer than %d bytes", maxCIDLength)
	}
	cid := make([]byte, l)
	if _, err := io.ReadFull(r, cid); err != nil {
		return nil, err
	}
	return cid, nil
}

func longPacketType(first byte, version uint32) PacketType {
	t := (first >> 4) & 0x3
	if version == Version2 {
		// v2 rotated the type space to defeat ossification.
		switch t {
		case 0b00:
			return PacketTypeRetry
		case 0b01:
			return PacketTypeInitial
		case 0b10:
			return PacketTypeZeroRTT
		default:
			return PacketTypeHandshake
		}
	}
	switch t {
	case 0b00:
		return PacketTypeInitial
	case 0b01:
		return PacketTypeZeroRTT
	case 0b10:
		return PacketTypeHandshake
	default:
		return PacketTypeRetry
	}
}

// EncodeVersionNegotiation builds a version negotiation packet directed at
// the sender of an unsupported-version packet. Per RFC 9000 the source CID
// must echo the destination CID the client chose.
func EncodeVersionNegotiation(destCID, srcCID []byte, versions []uint32) []byte {
	buf := make([]byte, 0, 7+len(destCID)+len(srcCID)+4*len(versions))
	buf = append(buf, 0x80|0x40)
	buf = binary.BigEndian.AppendUint32(buf, 0)
	buf = append(buf, byte(len(destCID)))
	buf = append(buf, destCID...)
	buf = append(buf, byte(len(srcCID)))
	buf = append(buf, srcCID...)
	for _, v := range versions {
		buf = binary.BigEndian.AppendUint32(buf, v)
	}
	return buf
}
