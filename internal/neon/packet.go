// Package neon implements the Neon session wire protocol.
//
// This includes the 8-byte packet header, the typed control payloads,
// the codec (marshal/unmarshal with validation), and the shared buffer
// pool used by all three peer roles.
package neon

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// -------------------------------------------------------------------------
// Protocol Constants
// -------------------------------------------------------------------------

// Magic is the protocol magic number ("NE", little-endian on the wire).
// Datagrams that do not start with it are rejected at decode.
const Magic uint16 = 0x4E45

// Version is the protocol major version carried in every header.
const Version uint8 = 1

// HeaderSize is the fixed packet header size in bytes.
const HeaderSize = 8

// MaxDatagramSize is the maximum datagram size in bytes. A single
// datagram carries a single logical packet; there is no fragmentation.
const MaxDatagramSize = 1024

// unknownFmt is the format string for unrecognized enum values with
// numeric code.
const unknownFmt = "Unknown(0x%02X)"

// -------------------------------------------------------------------------
// Well-Known Peer IDs
// -------------------------------------------------------------------------

// Peer id values carried in the header's source_id and dest_id fields.
const (
	// IDUnassigned marks a peer that has not been admitted yet, and a
	// destination of "whoever handles this" (deny routing).
	IDUnassigned uint8 = 0

	// IDHost is the reserved client id of a session's host.
	IDHost uint8 = 1

	// FirstClientID is the first id assigned to an admitted client.
	// Client ids grow monotonically per host lifetime.
	FirstClientID uint8 = 2

	// MaxClientID is the largest assignable client id. A host refuses
	// the admission that would exceed it.
	MaxClientID uint8 = 255
)

// -------------------------------------------------------------------------
// Packet Types
// -------------------------------------------------------------------------

// PacketType is the opcode carried in byte 3 of the header.
//
// Opcodes 0x01-0x0F are protocol control; only the values below are
// defined, the rest are reserved. Opcodes 0x10 and above are
// application-defined and are never interpreted by the relay.
type PacketType uint8

const (
	// TypeConnectRequest asks the relay (and, forwarded, the host) to
	// admit the sender into a session.
	TypeConnectRequest PacketType = 0x01

	// TypeConnectAccept serves three routing roles: host
	// self-registration, host admission of a client, and the client's
	// registration echo. The relay disambiguates by sender address and
	// header source_id.
	TypeConnectAccept PacketType = 0x02

	// TypeConnectDeny rejects an admission with a human-readable reason.
	TypeConnectDeny PacketType = 0x03

	// TypeSessionConfig pushes session parameters host-to-client.
	// Delivered reliably; the client acknowledges its sequence number.
	TypeSessionConfig PacketType = 0x04

	// TypePacketTypeRegistry enumerates the application opcode space.
	// Informational.
	TypePacketTypeRegistry PacketType = 0x05

	// TypePing is a client liveness probe terminated by the host.
	TypePing PacketType = 0x0B

	// TypePong answers a ping, echoing its timestamp.
	TypePong PacketType = 0x0C

	// TypeDisconnectNotice is reserved. It round-trips through the codec
	// but no component emits it.
	TypeDisconnectNotice PacketType = 0x0D

	// TypeAck acknowledges reliably-sent sequence numbers.
	TypeAck PacketType = 0x0E

	// TypeApplicationBase is the first application-defined opcode.
	TypeApplicationBase PacketType = 0x10
)

// IsApplication reports whether the opcode is application-defined.
func (t PacketType) IsApplication() bool {
	return t >= TypeApplicationBase
}

// String returns the human-readable name for the packet type.
func (t PacketType) String() string {
	switch t {
	case TypeConnectRequest:
		return "ConnectRequest"
	case TypeConnectAccept:
		return "ConnectAccept"
	case TypeConnectDeny:
		return "ConnectDeny"
	case TypeSessionConfig:
		return "SessionConfig"
	case TypePacketTypeRegistry:
		return "PacketTypeRegistry"
	case TypePing:
		return "Ping"
	case TypePong:
		return "Pong"
	case TypeDisconnectNotice:
		return "DisconnectNotice"
	case TypeAck:
		return "Ack"
	}
	if t.IsApplication() {
		return fmt.Sprintf("Application(0x%02X)", uint8(t))
	}
	return fmt.Sprintf(unknownFmt, uint8(t))
}

// -------------------------------------------------------------------------
// Header & Packet
// -------------------------------------------------------------------------

// Header is the decoded form of the fixed 8-byte packet header.
//
// Wire format, all integers little-endian:
//
//	Bytes 0-1: magic (0x4E45)
//	Byte  2:   version
//	Byte  3:   packet type
//	Bytes 4-5: sequence
//	Byte  6:   source_id
//	Byte  7:   dest_id
//
// The sequence number is sender-chosen and used only for ack
// correlation, never for ordering.
type Header struct {
	// Type is the packet opcode.
	Type PacketType

	// Sequence correlates reliable sends with their acknowledgements.
	Sequence uint16

	// SourceID is the originating peer's client id: 0 before admission,
	// 1 for the host.
	SourceID uint8

	// DestID is the intended recipient's client id: 0 for
	// "unspecified", 1 for the host.
	DestID uint8
}

// Packet is the wire unit: a header plus a type-dependent payload.
// Unmarshal leaves Payload nil only for reserved control opcodes;
// defined opcodes with an empty body (DisconnectNotice, an empty
// ConnectDeny or AppPayload) still decode to a non-nil payload.
type Packet struct {
	Header

	// Payload is the decoded body. Its concrete type is determined by
	// Header.Type; application opcodes carry *AppPayload.
	Payload Payload
}

// Payload is implemented by all typed packet bodies.
type Payload interface {
	// encodedSize returns the body length in bytes.
	encodedSize() int

	// encode writes the body into buf, which is at least encodedSize()
	// bytes. Returns an error for bodies that cannot be represented
	// (e.g. a registry name longer than 255 bytes).
	encode(buf []byte) error
}

// -------------------------------------------------------------------------
// Codec Errors
// -------------------------------------------------------------------------

// Sentinel errors for codec failures. Callers match with errors.Is and
// drop the offending datagram.
var (
	// ErrMalformedHeader indicates a short buffer, bad magic, version
	// mismatch, or an oversized datagram.
	ErrMalformedHeader = errors.New("malformed packet header")

	// ErrMalformedPayload indicates a body shorter than its opcode's
	// minimum or with inconsistent internal lengths.
	ErrMalformedPayload = errors.New("malformed packet payload")

	// ErrBufTooSmall indicates the caller-provided buffer cannot hold
	// the marshaled packet.
	ErrBufTooSmall = errors.New("buffer too small for packet")

	// ErrPayloadTooLarge indicates the marshaled packet would exceed
	// MaxDatagramSize or a length-prefixed field overflows its prefix.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// unmarshalErrPrefix is the common error prefix for decode failures.
const unmarshalErrPrefix = "unmarshal packet"

// -------------------------------------------------------------------------
// Marshal
// -------------------------------------------------------------------------

// Marshal serializes pkt into buf and returns the number of bytes
// written. The buffer is typically a MaxDatagramSize slice from
// PacketPool; the caller owns it.
//
// The header's magic and version fields are written implicitly; a nil
// Payload produces a header-only datagram.
func Marshal(pkt *Packet, buf []byte) (int, error) {
	total := HeaderSize
	if pkt.Payload != nil {
		total += pkt.Payload.encodedSize()
	}

	if total > MaxDatagramSize {
		return 0, fmt.Errorf("marshal packet: %d bytes exceeds max datagram %d: %w",
			total, MaxDatagramSize, ErrPayloadTooLarge)
	}
	if len(buf) < total {
		return 0, fmt.Errorf("marshal packet: need %d bytes, got %d: %w",
			total, len(buf), ErrBufTooSmall)
	}

	binary.LittleEndian.PutUint16(buf[0:2], Magic)
	buf[2] = Version
	buf[3] = uint8(pkt.Type)
	binary.LittleEndian.PutUint16(buf[4:6], pkt.Sequence)
	buf[6] = pkt.SourceID
	buf[7] = pkt.DestID

	if pkt.Payload != nil {
		if err := pkt.Payload.encode(buf[HeaderSize:total]); err != nil {
			return 0, fmt.Errorf("marshal %s payload: %w", pkt.Type, err)
		}
	}

	return total, nil
}

// -------------------------------------------------------------------------
// Unmarshal
// -------------------------------------------------------------------------

// Unmarshal decodes a datagram from buf into pkt.
//
// Validation: the buffer must be at least HeaderSize and at most
// MaxDatagramSize bytes, carry the protocol magic, and match the
// protocol version. The body must satisfy its opcode's minimum length.
//
// Reserved control opcodes (0x06-0x0A, 0x0F) decode with a nil Payload
// so the relay can still route them; application opcodes decode into
// *AppPayload with a copy of the body bytes.
func Unmarshal(buf []byte, pkt *Packet) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("%s: received %d bytes, minimum %d: %w",
			unmarshalErrPrefix, len(buf), HeaderSize, ErrMalformedHeader)
	}
	if len(buf) > MaxDatagramSize {
		return fmt.Errorf("%s: received %d bytes, maximum %d: %w",
			unmarshalErrPrefix, len(buf), MaxDatagramSize, ErrMalformedHeader)
	}

	if magic := binary.LittleEndian.Uint16(buf[0:2]); magic != Magic {
		return fmt.Errorf("%s: magic 0x%04X: %w",
			unmarshalErrPrefix, magic, ErrMalformedHeader)
	}
	if buf[2] != Version {
		return fmt.Errorf("%s: version %d: %w",
			unmarshalErrPrefix, buf[2], ErrMalformedHeader)
	}

	pkt.Type = PacketType(buf[3])
	pkt.Sequence = binary.LittleEndian.Uint16(buf[4:6])
	pkt.SourceID = buf[6]
	pkt.DestID = buf[7]

	payload, err := decodePayload(pkt.Type, buf[HeaderSize:])
	if err != nil {
		return fmt.Errorf("%s: %w", unmarshalErrPrefix, err)
	}
	pkt.Payload = payload

	return nil
}

// -------------------------------------------------------------------------
// PacketPool — sync.Pool for allocation-free I/O
// -------------------------------------------------------------------------

// PacketPool provides reusable MaxDatagramSize buffers for packet I/O.
// Callers Get() a *[]byte before receiving or marshaling, and Put() it
// back after the bytes have been consumed.
//
// The pool stores *[]byte (pointer to slice) to avoid interface
// allocation on Get()/Put().
var PacketPool = sync.Pool{
	New: func() any {
		buf := make([]byte, MaxDatagramSize)
		return &buf
	},
}
