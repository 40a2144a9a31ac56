package neon

import (
	"encoding/binary"
	"fmt"
)

// Minimum body sizes per opcode. A body shorter than its opcode's
// minimum is rejected with ErrMalformedPayload.
const (
	minConnectRequestLen = 6
	minConnectAcceptLen  = 5
	minSessionConfigLen  = 5
	minRegistryLen       = 1
	minPingLen           = 8
	minPongLen           = 8
	minAckLen            = 1
)

// -------------------------------------------------------------------------
// ConnectRequest (0x01)
// -------------------------------------------------------------------------

// ConnectRequest asks to join a session. The desired name consumes the
// remainder of the datagram and is interpreted as UTF-8.
//
// Body: version u8, target_session u32, has_game_id u8,
// (game_id u32 if present), desired_name bytes.
type ConnectRequest struct {
	// ClientVersion is the requesting client's protocol version.
	ClientVersion uint8

	// TargetSessionID names the session the client wants to join.
	TargetSessionID uint32

	// GameID optionally identifies the application; nil when the
	// client did not send one.
	GameID *uint32

	// DesiredName is the display name the client wants within the
	// session. Uniqueness is enforced by the host, not the relay.
	DesiredName string
}

func (p *ConnectRequest) encodedSize() int {
	n := minConnectRequestLen + len(p.DesiredName)
	if p.GameID != nil {
		n += 4
	}
	return n
}

func (p *ConnectRequest) encode(buf []byte) error {
	buf[0] = p.ClientVersion
	binary.LittleEndian.PutUint32(buf[1:5], p.TargetSessionID)
	off := 6
	if p.GameID != nil {
		buf[5] = 1
		binary.LittleEndian.PutUint32(buf[6:10], *p.GameID)
		off = 10
	} else {
		buf[5] = 0
	}
	copy(buf[off:], p.DesiredName)
	return nil
}

func decodeConnectRequest(body []byte) (*ConnectRequest, error) {
	if len(body) < minConnectRequestLen {
		return nil, fmt.Errorf("connect request: %d bytes, minimum %d: %w",
			len(body), minConnectRequestLen, ErrMalformedPayload)
	}

	p := &ConnectRequest{
		ClientVersion:   body[0],
		TargetSessionID: binary.LittleEndian.Uint32(body[1:5]),
	}

	off := 6
	switch body[5] {
	case 0:
	case 1:
		if len(body) < 10 {
			return nil, fmt.Errorf("connect request: game id truncated: %w",
				ErrMalformedPayload)
		}
		id := binary.LittleEndian.Uint32(body[6:10])
		p.GameID = &id
		off = 10
	default:
		return nil, fmt.Errorf("connect request: has_game_id %d: %w",
			body[5], ErrMalformedPayload)
	}

	p.DesiredName = string(body[off:])
	return p, nil
}

// -------------------------------------------------------------------------
// ConnectAccept (0x02)
// -------------------------------------------------------------------------

// ConnectAccept admits a client (or registers a host/client at the
// relay, depending on the header's source_id and the sender address).
//
// Body: assigned_client_id u8, session_id u32.
type ConnectAccept struct {
	// AssignedClientID is the id the host granted (1 when a host
	// registers itself).
	AssignedClientID uint8

	// SessionID is the session the id belongs to.
	SessionID uint32
}

func (p *ConnectAccept) encodedSize() int { return minConnectAcceptLen }

func (p *ConnectAccept) encode(buf []byte) error {
	buf[0] = p.AssignedClientID
	binary.LittleEndian.PutUint32(buf[1:5], p.SessionID)
	return nil
}

func decodeConnectAccept(body []byte) (*ConnectAccept, error) {
	if len(body) < minConnectAcceptLen {
		return nil, fmt.Errorf("connect accept: %d bytes, minimum %d: %w",
			len(body), minConnectAcceptLen, ErrMalformedPayload)
	}
	return &ConnectAccept{
		AssignedClientID: body[0],
		SessionID:        binary.LittleEndian.Uint32(body[1:5]),
	}, nil
}

// -------------------------------------------------------------------------
// ConnectDeny (0x03)
// -------------------------------------------------------------------------

// ConnectDeny rejects an admission. The reason consumes the remainder
// of the datagram and is interpreted as UTF-8; it may be empty.
type ConnectDeny struct {
	// Reason is a human-readable rejection message.
	Reason string
}

func (p *ConnectDeny) encodedSize() int { return len(p.Reason) }

func (p *ConnectDeny) encode(buf []byte) error {
	copy(buf, p.Reason)
	return nil
}

func decodeConnectDeny(body []byte) (*ConnectDeny, error) {
	return &ConnectDeny{Reason: string(body)}, nil
}

// -------------------------------------------------------------------------
// SessionConfig (0x04)
// -------------------------------------------------------------------------

// SessionConfig carries the session parameters the host pushes to a
// freshly admitted client. It is the only packet sent reliably in the
// current protocol.
//
// Body: version u8, tick_rate u16, max_packet_size u16.
type SessionConfig struct {
	// Version is the session configuration version.
	Version uint8

	// TickRate is the host's simulation tick rate in Hz.
	TickRate uint16

	// MaxPacketSize is the largest application datagram the host will
	// accept, in bytes.
	MaxPacketSize uint16
}

func (p *SessionConfig) encodedSize() int { return minSessionConfigLen }

func (p *SessionConfig) encode(buf []byte) error {
	buf[0] = p.Version
	binary.LittleEndian.PutUint16(buf[1:3], p.TickRate)
	binary.LittleEndian.PutUint16(buf[3:5], p.MaxPacketSize)
	return nil
}

func decodeSessionConfig(body []byte) (*SessionConfig, error) {
	if len(body) < minSessionConfigLen {
		return nil, fmt.Errorf("session config: %d bytes, minimum %d: %w",
			len(body), minSessionConfigLen, ErrMalformedPayload)
	}
	return &SessionConfig{
		Version:       body[0],
		TickRate:      binary.LittleEndian.Uint16(body[1:3]),
		MaxPacketSize: binary.LittleEndian.Uint16(body[3:5]),
	}, nil
}

// -------------------------------------------------------------------------
// PacketTypeRegistry (0x05)
// -------------------------------------------------------------------------

// RegistryEntry describes one application opcode.
type RegistryEntry struct {
	// ID is the application opcode (0x10 and above by convention).
	ID uint8

	// Name is a short identifier for the opcode.
	Name string

	// Description is a human-readable explanation.
	Description string
}

// PacketTypeRegistry enumerates the application's opcode space. The
// host sends it after admission as an informational control packet.
//
// Body: count u8, then count x {id u8, name_len u8, name bytes,
// desc_len u8, desc bytes}.
type PacketTypeRegistry struct {
	// Entries lists the advertised opcodes. At most 255.
	Entries []RegistryEntry
}

func (p *PacketTypeRegistry) encodedSize() int {
	n := 1
	for _, e := range p.Entries {
		n += 3 + len(e.Name) + len(e.Description)
	}
	return n
}

func (p *PacketTypeRegistry) encode(buf []byte) error {
	if len(p.Entries) > 255 {
		return fmt.Errorf("registry: %d entries exceeds 255: %w",
			len(p.Entries), ErrPayloadTooLarge)
	}

	buf[0] = uint8(len(p.Entries))
	off := 1
	for _, e := range p.Entries {
		if len(e.Name) > 255 || len(e.Description) > 255 {
			return fmt.Errorf("registry entry 0x%02X: name/description exceeds 255 bytes: %w",
				e.ID, ErrPayloadTooLarge)
		}
		buf[off] = e.ID
		off++
		buf[off] = uint8(len(e.Name))
		off++
		off += copy(buf[off:], e.Name)
		buf[off] = uint8(len(e.Description))
		off++
		off += copy(buf[off:], e.Description)
	}
	return nil
}

func decodePacketTypeRegistry(body []byte) (*PacketTypeRegistry, error) {
	if len(body) < minRegistryLen {
		return nil, fmt.Errorf("registry: empty body: %w", ErrMalformedPayload)
	}

	count := int(body[0])
	entries := make([]RegistryEntry, 0, count)
	off := 1

	for i := 0; i < count; i++ {
		if off+2 > len(body) {
			return nil, fmt.Errorf("registry: entry %d truncated: %w",
				i, ErrMalformedPayload)
		}
		var e RegistryEntry
		e.ID = body[off]
		off++

		nameLen := int(body[off])
		off++
		if off+nameLen > len(body) {
			return nil, fmt.Errorf("registry: entry %d name truncated: %w",
				i, ErrMalformedPayload)
		}
		e.Name = string(body[off : off+nameLen])
		off += nameLen

		if off >= len(body) {
			return nil, fmt.Errorf("registry: entry %d description length missing: %w",
				i, ErrMalformedPayload)
		}
		descLen := int(body[off])
		off++
		if off+descLen > len(body) {
			return nil, fmt.Errorf("registry: entry %d description truncated: %w",
				i, ErrMalformedPayload)
		}
		e.Description = string(body[off : off+descLen])
		off += descLen

		entries = append(entries, e)
	}

	return &PacketTypeRegistry{Entries: entries}, nil
}

// -------------------------------------------------------------------------
// Ping (0x0B) / Pong (0x0C)
// -------------------------------------------------------------------------

// Ping is a liveness probe. The timestamp is milliseconds since the
// Unix epoch, chosen by the sender.
type Ping struct {
	// Timestamp is the send time in milliseconds since the epoch.
	Timestamp uint64
}

func (p *Ping) encodedSize() int { return minPingLen }

func (p *Ping) encode(buf []byte) error {
	binary.LittleEndian.PutUint64(buf[0:8], p.Timestamp)
	return nil
}

func decodePing(body []byte) (*Ping, error) {
	if len(body) < minPingLen {
		return nil, fmt.Errorf("ping: %d bytes, minimum %d: %w",
			len(body), minPingLen, ErrMalformedPayload)
	}
	return &Ping{Timestamp: binary.LittleEndian.Uint64(body[0:8])}, nil
}

// Pong answers a Ping, returning its timestamp byte-for-byte so the
// client can compute a round-trip time.
type Pong struct {
	// OriginalTimestamp is the echoed Ping timestamp.
	OriginalTimestamp uint64
}

func (p *Pong) encodedSize() int { return minPongLen }

func (p *Pong) encode(buf []byte) error {
	binary.LittleEndian.PutUint64(buf[0:8], p.OriginalTimestamp)
	return nil
}

func decodePong(body []byte) (*Pong, error) {
	if len(body) < minPongLen {
		return nil, fmt.Errorf("pong: %d bytes, minimum %d: %w",
			len(body), minPongLen, ErrMalformedPayload)
	}
	return &Pong{OriginalTimestamp: binary.LittleEndian.Uint64(body[0:8])}, nil
}

// -------------------------------------------------------------------------
// DisconnectNotice (0x0D)
// -------------------------------------------------------------------------

// DisconnectNotice is reserved. The body is empty; no component emits
// it in the current protocol.
type DisconnectNotice struct{}

func (p *DisconnectNotice) encodedSize() int      { return 0 }
func (p *DisconnectNotice) encode(_ []byte) error { return nil }

// -------------------------------------------------------------------------
// Ack (0x0E)
// -------------------------------------------------------------------------

// Ack acknowledges one or more reliably-sent sequence numbers. Acks
// traverse the relay as ordinary routed packets from client to host.
//
// Body: count u8, then count x u16 sequence.
type Ack struct {
	// Sequences lists the acknowledged sequence numbers. At most 255.
	Sequences []uint16
}

func (p *Ack) encodedSize() int { return 1 + 2*len(p.Sequences) }

func (p *Ack) encode(buf []byte) error {
	if len(p.Sequences) > 255 {
		return fmt.Errorf("ack: %d sequences exceeds 255: %w",
			len(p.Sequences), ErrPayloadTooLarge)
	}
	buf[0] = uint8(len(p.Sequences))
	for i, seq := range p.Sequences {
		binary.LittleEndian.PutUint16(buf[1+2*i:3+2*i], seq)
	}
	return nil
}

// Acknowledges reports whether seq is among the acknowledged sequences.
func (p *Ack) Acknowledges(seq uint16) bool {
	for _, s := range p.Sequences {
		if s == seq {
			return true
		}
	}
	return false
}

func decodeAck(body []byte) (*Ack, error) {
	if len(body) < minAckLen {
		return nil, fmt.Errorf("ack: empty body: %w", ErrMalformedPayload)
	}

	count := int(body[0])
	if len(body) < 1+2*count {
		return nil, fmt.Errorf("ack: %d sequences announced, body %d bytes: %w",
			count, len(body), ErrMalformedPayload)
	}

	seqs := make([]uint16, count)
	for i := range seqs {
		seqs[i] = binary.LittleEndian.Uint16(body[1+2*i : 3+2*i])
	}
	return &Ack{Sequences: seqs}, nil
}

// -------------------------------------------------------------------------
// AppPayload (0x10+)
// -------------------------------------------------------------------------

// AppPayload carries opaque application bytes. The relay forwards it
// verbatim without inspection; the opcode lives in the header.
type AppPayload struct {
	// Data is the raw application body. May be empty.
	Data []byte
}

func (p *AppPayload) encodedSize() int { return len(p.Data) }

func (p *AppPayload) encode(buf []byte) error {
	copy(buf, p.Data)
	return nil
}

// -------------------------------------------------------------------------
// Payload dispatch
// -------------------------------------------------------------------------

// decodePayload decodes body according to the opcode. Reserved control
// opcodes yield a nil payload so that routing still works; application
// opcodes copy the body out of the receive buffer.
func decodePayload(t PacketType, body []byte) (Payload, error) {
	switch t {
	case TypeConnectRequest:
		return decodeConnectRequest(body)
	case TypeConnectAccept:
		return decodeConnectAccept(body)
	case TypeConnectDeny:
		return decodeConnectDeny(body)
	case TypeSessionConfig:
		return decodeSessionConfig(body)
	case TypePacketTypeRegistry:
		return decodePacketTypeRegistry(body)
	case TypePing:
		return decodePing(body)
	case TypePong:
		return decodePong(body)
	case TypeDisconnectNotice:
		return &DisconnectNotice{}, nil
	case TypeAck:
		return decodeAck(body)
	}

	if t.IsApplication() {
		data := make([]byte, len(body))
		copy(data, body)
		return &AppPayload{Data: data}, nil
	}

	// Reserved control opcode: header-only routing, no body semantics.
	return nil, nil
}
