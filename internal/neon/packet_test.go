package neon_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/kohanmathers/goneon/internal/neon"
)

// -------------------------------------------------------------------------
// TestMarshalUnmarshalRoundTrip — codec round-trip for every opcode
// -------------------------------------------------------------------------

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	t.Parallel()

	gameID := uint32(0xCAFEBABE)

	tests := []struct {
		name string
		pkt  neon.Packet
	}{
		{
			name: "connect request without game id",
			pkt: neon.Packet{
				Header: neon.Header{
					Type:     neon.TypeConnectRequest,
					Sequence: 1,
					SourceID: 0,
					DestID:   1,
				},
				Payload: &neon.ConnectRequest{
					ClientVersion:   1,
					TargetSessionID: 42,
					DesiredName:     "alice",
				},
			},
		},
		{
			name: "connect request with game id",
			pkt: neon.Packet{
				Header: neon.Header{
					Type:     neon.TypeConnectRequest,
					Sequence: 1,
					DestID:   1,
				},
				Payload: &neon.ConnectRequest{
					ClientVersion:   1,
					TargetSessionID: 0xDEADBEEF,
					GameID:          &gameID,
					DesiredName:     "bob",
				},
			},
		},
		{
			name: "connect request empty name",
			pkt: neon.Packet{
				Header: neon.Header{Type: neon.TypeConnectRequest},
				Payload: &neon.ConnectRequest{
					ClientVersion:   1,
					TargetSessionID: 7,
				},
			},
		},
		{
			name: "connect accept",
			pkt: neon.Packet{
				Header: neon.Header{
					Type:     neon.TypeConnectAccept,
					Sequence: 1,
					SourceID: 2,
					DestID:   2,
				},
				Payload: &neon.ConnectAccept{
					AssignedClientID: 2,
					SessionID:        42,
				},
			},
		},
		{
			name: "connect deny",
			pkt: neon.Packet{
				Header: neon.Header{
					Type:     neon.TypeConnectDeny,
					Sequence: 1,
					SourceID: 1,
				},
				Payload: &neon.ConnectDeny{Reason: "Name 'bob' is already in use"},
			},
		},
		{
			name: "connect deny empty reason",
			pkt: neon.Packet{
				Header:  neon.Header{Type: neon.TypeConnectDeny},
				Payload: &neon.ConnectDeny{},
			},
		},
		{
			name: "session config",
			pkt: neon.Packet{
				Header: neon.Header{
					Type:     neon.TypeSessionConfig,
					Sequence: 2,
					SourceID: 2,
					DestID:   2,
				},
				Payload: &neon.SessionConfig{
					Version:       1,
					TickRate:      60,
					MaxPacketSize: 1024,
				},
			},
		},
		{
			name: "packet type registry",
			pkt: neon.Packet{
				Header: neon.Header{
					Type:     neon.TypePacketTypeRegistry,
					Sequence: 3,
					SourceID: 2,
					DestID:   2,
				},
				Payload: &neon.PacketTypeRegistry{
					Entries: []neon.RegistryEntry{
						{ID: 0x10, Name: "GamePacket", Description: "Application-defined packet"},
						{ID: 0x11, Name: "Chat", Description: ""},
					},
				},
			},
		},
		{
			name: "registry no entries",
			pkt: neon.Packet{
				Header:  neon.Header{Type: neon.TypePacketTypeRegistry},
				Payload: &neon.PacketTypeRegistry{Entries: []neon.RegistryEntry{}},
			},
		},
		{
			name: "ping",
			pkt: neon.Packet{
				Header: neon.Header{
					Type:     neon.TypePing,
					Sequence: 11,
					SourceID: 2,
					DestID:   1,
				},
				Payload: &neon.Ping{Timestamp: 0x0123456789ABCDEF},
			},
		},
		{
			name: "pong",
			pkt: neon.Packet{
				Header: neon.Header{
					Type:     neon.TypePong,
					Sequence: 11,
					SourceID: 1,
					DestID:   2,
				},
				Payload: &neon.Pong{OriginalTimestamp: 0xFFFFFFFFFFFFFFFF},
			},
		},
		{
			name: "disconnect notice",
			pkt: neon.Packet{
				Header:  neon.Header{Type: neon.TypeDisconnectNotice},
				Payload: &neon.DisconnectNotice{},
			},
		},
		{
			name: "ack single sequence",
			pkt: neon.Packet{
				Header: neon.Header{
					Type:     neon.TypeAck,
					SourceID: 2,
					DestID:   1,
				},
				Payload: &neon.Ack{Sequences: []uint16{2}},
			},
		},
		{
			name: "ack multiple sequences",
			pkt: neon.Packet{
				Header:  neon.Header{Type: neon.TypeAck, SourceID: 2, DestID: 1},
				Payload: &neon.Ack{Sequences: []uint16{2, 7, 0xFFFF}},
			},
		},
		{
			name: "application packet",
			pkt: neon.Packet{
				Header: neon.Header{
					Type:     0x10,
					Sequence: 99,
					SourceID: 2,
					DestID:   1,
				},
				Payload: &neon.AppPayload{Data: []byte{0xDE, 0xAD, 0xBE, 0xEF}},
			},
		},
		{
			name: "application packet empty body",
			pkt: neon.Packet{
				Header:  neon.Header{Type: 0xFF, SourceID: 3, DestID: 1},
				Payload: &neon.AppPayload{Data: []byte{}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			buf := make([]byte, neon.MaxDatagramSize)
			n, err := neon.Marshal(&tt.pkt, buf)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}

			var decoded neon.Packet
			if err := neon.Unmarshal(buf[:n], &decoded); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}

			if decoded.Header != tt.pkt.Header {
				t.Errorf("header = %+v, want %+v", decoded.Header, tt.pkt.Header)
			}

			// Re-encoding the decoded packet must reproduce the original
			// bytes exactly.
			buf2 := make([]byte, neon.MaxDatagramSize)
			n2, err := neon.Marshal(&decoded, buf2)
			if err != nil {
				t.Fatalf("re-Marshal() error = %v", err)
			}
			if !bytes.Equal(buf[:n], buf2[:n2]) {
				t.Errorf("re-encoded bytes differ:\n got  %x\n want %x", buf2[:n2], buf[:n])
			}
		})
	}
}

// -------------------------------------------------------------------------
// TestMarshalFieldPositions — exact wire layout of the header
// -------------------------------------------------------------------------

func TestMarshalFieldPositions(t *testing.T) {
	t.Parallel()

	pkt := neon.Packet{
		Header: neon.Header{
			Type:     neon.TypePing,
			Sequence: 0x1234,
			SourceID: 2,
			DestID:   1,
		},
		Payload: &neon.Ping{Timestamp: 0x1122334455667788},
	}

	buf := make([]byte, neon.MaxDatagramSize)
	n, err := neon.Marshal(&pkt, buf)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	want := []byte{
		0x45, 0x4E, // magic 0x4E45 little-endian
		0x01,       // version
		0x0B,       // packet type: Ping
		0x34, 0x12, // sequence little-endian
		0x02,                                           // source id
		0x01,                                           // dest id
		0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11, // timestamp LE
	}
	if !bytes.Equal(buf[:n], want) {
		t.Errorf("wire bytes = %x, want %x", buf[:n], want)
	}
}

// -------------------------------------------------------------------------
// TestUnmarshalHeaderValidation — short buffers, magic, version
// -------------------------------------------------------------------------

func TestUnmarshalHeaderValidation(t *testing.T) {
	t.Parallel()

	// A valid Ping datagram to mutate.
	valid := func() []byte {
		return []byte{
			0x45, 0x4E, 0x01, 0x0B, 0x00, 0x00, 0x02, 0x01,
			0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		}
	}

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{
			name:   "empty buffer",
			mutate: func(_ []byte) []byte { return nil },
		},
		{
			name:   "seven bytes",
			mutate: func(b []byte) []byte { return b[:7] },
		},
		{
			name: "bad magic",
			mutate: func(b []byte) []byte {
				b[0] = 0x00
				return b
			},
		},
		{
			name: "wrong version",
			mutate: func(b []byte) []byte {
				b[2] = 2
				return b
			},
		},
		{
			name: "oversized datagram",
			mutate: func(b []byte) []byte {
				return append(b, make([]byte, neon.MaxDatagramSize)...)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var pkt neon.Packet
			err := neon.Unmarshal(tt.mutate(valid()), &pkt)
			if !errors.Is(err, neon.ErrMalformedHeader) {
				t.Errorf("Unmarshal() error = %v, want ErrMalformedHeader", err)
			}
		})
	}
}

// -------------------------------------------------------------------------
// TestUnmarshalPayloadValidation — per-opcode minimum bodies
// -------------------------------------------------------------------------

func TestUnmarshalPayloadValidation(t *testing.T) {
	t.Parallel()

	// header returns a valid 8-byte header for the given opcode.
	header := func(pt neon.PacketType) []byte {
		return []byte{0x45, 0x4E, 0x01, byte(pt), 0x00, 0x00, 0x00, 0x00}
	}

	tests := []struct {
		name string
		data []byte
	}{
		{
			name: "connect request five bytes",
			data: append(header(neon.TypeConnectRequest), 1, 42, 0, 0, 0),
		},
		{
			name: "connect request truncated game id",
			data: append(header(neon.TypeConnectRequest), 1, 42, 0, 0, 0, 1, 0xAA),
		},
		{
			name: "connect request bad game id flag",
			data: append(header(neon.TypeConnectRequest), 1, 42, 0, 0, 0, 7),
		},
		{
			name: "connect accept four bytes",
			data: append(header(neon.TypeConnectAccept), 2, 42, 0, 0),
		},
		{
			name: "session config four bytes",
			data: append(header(neon.TypeSessionConfig), 1, 60, 0, 0),
		},
		{
			name: "registry empty body",
			data: header(neon.TypePacketTypeRegistry),
		},
		{
			name: "registry truncated entry",
			data: append(header(neon.TypePacketTypeRegistry), 2, 0x10, 4, 'n'),
		},
		{
			name: "registry name overruns body",
			data: append(header(neon.TypePacketTypeRegistry), 1, 0x10, 200, 'x'),
		},
		{
			name: "ping seven bytes",
			data: append(header(neon.TypePing), 1, 2, 3, 4, 5, 6, 7),
		},
		{
			name: "pong seven bytes",
			data: append(header(neon.TypePong), 1, 2, 3, 4, 5, 6, 7),
		},
		{
			name: "ack empty body",
			data: header(neon.TypeAck),
		},
		{
			name: "ack count overruns body",
			data: append(header(neon.TypeAck), 3, 0x02, 0x00),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var pkt neon.Packet
			err := neon.Unmarshal(tt.data, &pkt)
			if !errors.Is(err, neon.ErrMalformedPayload) {
				t.Errorf("Unmarshal() error = %v, want ErrMalformedPayload", err)
			}
		})
	}
}

// -------------------------------------------------------------------------
// TestUnmarshalReservedOpcode — reserved control opcodes still route
// -------------------------------------------------------------------------

func TestUnmarshalReservedOpcode(t *testing.T) {
	t.Parallel()

	data := []byte{0x45, 0x4E, 0x01, 0x0A, 0x01, 0x00, 0x02, 0x01, 0xAA, 0xBB}

	var pkt neon.Packet
	if err := neon.Unmarshal(data, &pkt); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if pkt.Type != 0x0A {
		t.Errorf("Type = 0x%02X, want 0x0A", uint8(pkt.Type))
	}
	if pkt.Payload != nil {
		t.Errorf("Payload = %#v, want nil for reserved opcode", pkt.Payload)
	}
	if pkt.SourceID != 2 || pkt.DestID != 1 {
		t.Errorf("ids = (%d, %d), want (2, 1)", pkt.SourceID, pkt.DestID)
	}
}

// -------------------------------------------------------------------------
// TestMarshalBufferTooSmall
// -------------------------------------------------------------------------

func TestMarshalBufferTooSmall(t *testing.T) {
	t.Parallel()

	pkt := neon.Packet{
		Header:  neon.Header{Type: neon.TypePing},
		Payload: &neon.Ping{Timestamp: 1},
	}

	buf := make([]byte, neon.HeaderSize+4)
	if _, err := neon.Marshal(&pkt, buf); !errors.Is(err, neon.ErrBufTooSmall) {
		t.Errorf("Marshal() error = %v, want ErrBufTooSmall", err)
	}
}

// -------------------------------------------------------------------------
// TestMarshalOversizedPayload
// -------------------------------------------------------------------------

func TestMarshalOversizedPayload(t *testing.T) {
	t.Parallel()

	pkt := neon.Packet{
		Header:  neon.Header{Type: 0x10},
		Payload: &neon.AppPayload{Data: make([]byte, neon.MaxDatagramSize)},
	}

	buf := make([]byte, 2*neon.MaxDatagramSize)
	if _, err := neon.Marshal(&pkt, buf); !errors.Is(err, neon.ErrPayloadTooLarge) {
		t.Errorf("Marshal() error = %v, want ErrPayloadTooLarge", err)
	}
}

// -------------------------------------------------------------------------
// TestAckAcknowledges
// -------------------------------------------------------------------------

func TestAckAcknowledges(t *testing.T) {
	t.Parallel()

	ack := &neon.Ack{Sequences: []uint16{2, 7}}

	if !ack.Acknowledges(2) || !ack.Acknowledges(7) {
		t.Error("Acknowledges() = false for contained sequences")
	}
	if ack.Acknowledges(3) {
		t.Error("Acknowledges(3) = true, want false")
	}
}

// -------------------------------------------------------------------------
// TestPacketTypeString
// -------------------------------------------------------------------------

func TestPacketTypeString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pt   neon.PacketType
		want string
	}{
		{neon.TypeConnectRequest, "ConnectRequest"},
		{neon.TypeConnectAccept, "ConnectAccept"},
		{neon.TypeConnectDeny, "ConnectDeny"},
		{neon.TypeSessionConfig, "SessionConfig"},
		{neon.TypePacketTypeRegistry, "PacketTypeRegistry"},
		{neon.TypePing, "Ping"},
		{neon.TypePong, "Pong"},
		{neon.TypeDisconnectNotice, "DisconnectNotice"},
		{neon.TypeAck, "Ack"},
		{0x10, "Application(0x10)"},
		{0x0A, "Unknown(0x0A)"},
	}

	for _, tt := range tests {
		if got := tt.pt.String(); got != tt.want {
			t.Errorf("PacketType(0x%02X).String() = %q, want %q", uint8(tt.pt), got, tt.want)
		}
	}
}

// -------------------------------------------------------------------------
// TestPacketPool
// -------------------------------------------------------------------------

func TestPacketPool(t *testing.T) {
	t.Parallel()

	bufp := neon.PacketPool.Get().(*[]byte)
	if len(*bufp) != neon.MaxDatagramSize {
		t.Errorf("pool buffer length = %d, want %d", len(*bufp), neon.MaxDatagramSize)
	}
	neon.PacketPool.Put(bufp)
}
