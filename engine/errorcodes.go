package engine

import "fmt"

// Transport error codes, RFC 9000 §20.1.
const (
	NoError                 uint64 = 0x0
	InternalError           uint64 = 0x1
	ConnectionRefused       uint64 = 0x2
	FlowControlError        uint64 = 0x3
	StreamLimitError        uint64 = 0x4
	StreamStateError        uint64 = 0x5
	FinalSizeError          uint64 = 0x6
	FrameEncodingError      uint64 = 0x7
	TransportParameterError uint64 = 0x8
	ConnectionIDLimitError  uint64 = 0x9
	ProtocolViolation       uint64 = 0xa
	InvalidToken            uint64 = 0xb
	ApplicationError        uint64 = 0xc
	CryptoBufferExceeded    uint64 = 0xd
	KeyUpdateError          uint64 = 0xe
	AEADLimitReached        uint64 = 0xf
	NoViablePath            uint64 = 0x10
)

// H3NoError is the HTTP/3 "no error" application code, RFC 9114 §8.1.
const H3NoError uint64 = 0x100

var transportErrorNames = map[uint64]string{
	NoError:                 "NO_ERROR",
	InternalError:           "INTERNAL_ERROR",
	ConnectionRefused:       "CONNECTION_REFUSED",
	FlowControlError:        "FLOW_CONTROL_ERROR",
	StreamLimitError:        "STREAM_LIMIT_ERROR",
	StreamStateError:        "STREAM_STATE_ERROR",
	FinalSizeError:          "FINAL_SIZE_ERROR",
	FrameEncodingError:      "FRAME_ENCODING_ERROR",
	TransportParameterError: "TRANSPORT_PARAMETER_ERROR",
	ConnectionIDLimitError:  "CONNECTION_ID_LIMIT_ERROR",
	ProtocolViolation:       "PROTOCOL_VIOLATION",
	InvalidToken:            "INVALID_TOKEN",
	ApplicationError:        "APPLICATION_ERROR",
	CryptoBufferExceeded:    "CRYPTO_BUFFER_EXCEEDED",
	KeyUpdateError:          "KEY_UPDATE_ERROR",
	AEADLimitReached:        "AEAD_LIMIT_REACHED",
	NoViablePath:            "NO_VIABLE_PATH",
}

// HTTP/3 error codes, RFC 9114 §8.1.
var h3ErrorNames = map[uint64]string{
	0x100: "H3_NO_ERROR",
	0x101: "H3_GENERAL_PROTOCOL_ERROR",
	0x102: "H3_INTERNAL_ERROR",
	0x103: "H3_STREAM_CREATION_ERROR",
	0x104: "H3_CLOSED_CRITICAL_STREAM",
	0x105: "H3_FRAME_UNEXPECTED",
	0x106: "H3_FRAME_ERROR",
	0x107: "H3_EXCESSIVE_LOAD",
	0x108: "H3_ID_ERROR",
	0x109: "H3_SETTINGS_ERROR",
	0x10a: "H3_MISSING_SETTINGS",
	0x10b: "H3_REQUEST_REJECTED",
	0x10c: "H3_REQUEST_CANCELLED",
	0x10d: "H3_REQUEST_INCOMPLETE",
	0x10e: "H3_MESSAGE_ERROR",
	0x10f: "H3_CONNECT_ERROR",
	0x110: "H3_VERSION_FALLBACK",
	0x200: "QPACK_DECOMPRESSION_FAILED",
	0x201: "QPACK_ENCODER_STREAM_ERROR",
	0x202: "QPACK_DECODER_STREAM_ERROR",
}

// ErrorCodeName returns the symbolic name of a transport or HTTP/3 error
// code, or a string carrying its numeric value.
func ErrorCodeName(code uint64) string {
	if name, ok := h3ErrorNames[code]; ok {
		return name
	}
	if name, ok := transportErrorNames[code]; ok {
		return name
	}
	return fmt.Sprintf("unknown error (0x%x)", code)
}

// IsSuccessCode reports whether the given code actually indicates no error.
// The transport NO_ERROR and HTTP/3 H3_NO_ERROR are equivalent.
func IsSuccessCode(code uint64) bool {
	return code == NoError || code == H3NoError
}
