package client_test

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/kohanmathers/goneon/internal/client"
	"github.com/kohanmathers/goneon/internal/neon"
	"github.com/kohanmathers/goneon/internal/netio"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// relaySim is a scripted stand-in for the relay.
type relaySim struct {
	t          *testing.T
	ep         *netio.Endpoint
	addr       netip.AddrPort
	clientAddr netip.AddrPort
}

func newRelaySim(t *testing.T) *relaySim {
	t.Helper()

	ep, err := netio.Listen("127.0.0.1:0", quietLogger())
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	t.Cleanup(func() { ep.Close() })

	return &relaySim{
		t:    t,
		ep:   ep,
		addr: ep.LocalAddr().(*net.UDPAddr).AddrPort(),
	}
}

func (r *relaySim) expect(pt neon.PacketType) neon.Packet {
	r.t.Helper()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		pkt, from, err := r.ep.Recv(100 * time.Millisecond)
		if errors.Is(err, netio.ErrTimeout) {
			continue
		}
		if err != nil {
			r.t.Fatalf("Recv() error = %v", err)
		}
		r.clientAddr = from
		if pkt.Type != pt {
			r.t.Fatalf("received %s, want %s", pkt.Type, pt)
		}
		return pkt
	}
	r.t.Fatalf("timed out waiting for %s", pt)
	return neon.Packet{}
}

func (r *relaySim) expectSilence(window time.Duration) {
	r.t.Helper()

	pkt, _, err := r.ep.Recv(window)
	if err == nil {
		r.t.Fatalf("received unexpected %s", pkt.Type)
	}
	if !errors.Is(err, netio.ErrTimeout) {
		r.t.Fatalf("Recv() error = %v, want timeout", err)
	}
}

func (r *relaySim) send(pkt *neon.Packet, to netip.AddrPort) {
	r.t.Helper()
	if err := r.ep.Send(pkt, to); err != nil {
		r.t.Fatalf("Send(%s) error = %v", pkt.Type, err)
	}
}

// newClient builds a client over a loopback endpoint, returning the
// client and its own address (for queuing handshake responses before
// Connect reads them).
func newClient(t *testing.T, name string, opts ...client.Option) (*client.Client, netip.AddrPort) {
	t.Helper()

	ep, err := netio.Listen("127.0.0.1:0", quietLogger())
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	t.Cleanup(func() { ep.Close() })

	opts = append([]client.Option{client.WithLogger(quietLogger())}, opts...)
	c := client.New(ep, name, opts...)
	return c, ep.LocalAddr().(*net.UDPAddr).AddrPort()
}

func accept(clientID uint8, sessionID uint32) *neon.Packet {
	return &neon.Packet{
		Header: neon.Header{
			Type:     neon.TypeConnectAccept,
			Sequence: 1,
			SourceID: clientID,
			DestID:   clientID,
		},
		Payload: &neon.ConnectAccept{AssignedClientID: clientID, SessionID: sessionID},
	}
}

// connect performs a happy-path handshake by queuing the accept before
// Connect reads the socket, then verifies the request and echo.
func connect(t *testing.T, relay *relaySim, c *client.Client, clientAddr netip.AddrPort) {
	t.Helper()

	relay.send(accept(2, 42), clientAddr)

	if err := c.Connect(context.Background(), 42, relay.addr); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	req := relay.expect(neon.TypeConnectRequest)
	if req.Payload.(*neon.ConnectRequest).DesiredName != c.Name() {
		t.Errorf("request name = %q", req.Payload.(*neon.ConnectRequest).DesiredName)
	}

	echo := relay.expect(neon.TypeConnectAccept)
	if echo.SourceID != 2 || echo.DestID != neon.IDHost {
		t.Errorf("echo header = %+v, want source 2 dest 1", echo.Header)
	}
	if acc := echo.Payload.(*neon.ConnectAccept); acc.AssignedClientID != 2 || acc.SessionID != 42 {
		t.Errorf("echo payload = %+v", acc)
	}
}

// -------------------------------------------------------------------------
// TestClientConnect — handshake outcomes
// -------------------------------------------------------------------------

func TestClientConnect(t *testing.T) {
	t.Parallel()

	relay := newRelaySim(t)
	c, clientAddr := newClient(t, "alice")

	connect(t, relay, c, clientAddr)

	if c.ClientID() != 2 || c.SessionID() != 42 || !c.Connected() {
		t.Errorf("client state = (%d, %d, %v)", c.ClientID(), c.SessionID(), c.Connected())
	}
}

func TestClientConnectDenied(t *testing.T) {
	t.Parallel()

	relay := newRelaySim(t)
	c, clientAddr := newClient(t, "bob")

	relay.send(&neon.Packet{
		Header:  neon.Header{Type: neon.TypeConnectDeny},
		Payload: &neon.ConnectDeny{Reason: "Name 'bob' is already in use"},
	}, clientAddr)

	err := c.Connect(context.Background(), 42, relay.addr)
	if !errors.Is(err, client.ErrConnectDenied) {
		t.Fatalf("Connect() error = %v, want ErrConnectDenied", err)
	}
	if !strings.Contains(err.Error(), "Name 'bob' is already in use") {
		t.Errorf("error %q does not carry the deny reason", err)
	}
	if c.Connected() {
		t.Error("Connected() = true after deny")
	}
}

func TestClientConnectSessionMismatch(t *testing.T) {
	t.Parallel()

	relay := newRelaySim(t)
	c, clientAddr := newClient(t, "alice")

	relay.send(accept(2, 43), clientAddr)

	err := c.Connect(context.Background(), 42, relay.addr)
	if !errors.Is(err, client.ErrSessionMismatch) {
		t.Fatalf("Connect() error = %v, want ErrSessionMismatch", err)
	}

	// No registration echo may follow a mismatched accept: only the
	// original request reaches the relay.
	relay.expect(neon.TypeConnectRequest)
	relay.expectSilence(150 * time.Millisecond)
}

func TestClientConnectTimeout(t *testing.T) {
	t.Parallel()

	relay := newRelaySim(t)
	c, _ := newClient(t, "alice", client.WithHandshakeTimeout(100*time.Millisecond))

	start := time.Now()
	err := c.Connect(context.Background(), 42, relay.addr)
	if !errors.Is(err, client.ErrHandshakeTimeout) {
		t.Fatalf("Connect() error = %v, want ErrHandshakeTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("Connect() failed after %v, before the deadline", elapsed)
	}
}

func TestClientConnectProtocolViolation(t *testing.T) {
	t.Parallel()

	relay := newRelaySim(t)
	c, clientAddr := newClient(t, "alice")

	relay.send(&neon.Packet{
		Header:  neon.Header{Type: neon.TypePong, DestID: 2},
		Payload: &neon.Pong{OriginalTimestamp: 1},
	}, clientAddr)

	err := c.Connect(context.Background(), 42, relay.addr)
	if !errors.Is(err, client.ErrProtocolViolation) {
		t.Fatalf("Connect() error = %v, want ErrProtocolViolation", err)
	}
}

// -------------------------------------------------------------------------
// TestClientDispatch — steady-state packet handling
// -------------------------------------------------------------------------

func TestClientSessionConfigAcked(t *testing.T) {
	t.Parallel()

	relay := newRelaySim(t)

	configs := make(chan neon.SessionConfig, 1)
	c, clientAddr := newClient(t, "alice",
		client.WithAutoPing(false),
		client.WithCallbacks(client.Callbacks{
			SessionConfig: func(version uint8, tickRate, maxPacketSize uint16) {
				configs <- neon.SessionConfig{Version: version, TickRate: tickRate, MaxPacketSize: maxPacketSize}
			},
		}),
	)
	connect(t, relay, c, clientAddr)

	relay.send(&neon.Packet{
		Header: neon.Header{
			Type:     neon.TypeSessionConfig,
			Sequence: 2,
			SourceID: neon.IDHost,
			DestID:   2,
		},
		Payload: &neon.SessionConfig{Version: 1, TickRate: 60, MaxPacketSize: 1024},
	}, clientAddr)
	time.Sleep(20 * time.Millisecond)

	if err := c.ProcessPackets(); err != nil {
		t.Fatalf("ProcessPackets() error = %v", err)
	}

	ack := relay.expect(neon.TypeAck)
	if ack.DestID != neon.IDHost {
		t.Errorf("ack dest id = %d, want 1", ack.DestID)
	}
	if seqs := ack.Payload.(*neon.Ack).Sequences; len(seqs) != 1 || seqs[0] != 2 {
		t.Errorf("ack sequences = %v, want [2]", seqs)
	}

	select {
	case cfg := <-configs:
		if cfg.TickRate != 60 || cfg.MaxPacketSize != 1024 {
			t.Errorf("config callback = %+v", cfg)
		}
	default:
		t.Fatal("SessionConfig callback never fired")
	}
}

func TestClientPongCallback(t *testing.T) {
	t.Parallel()

	relay := newRelaySim(t)

	pongs := make(chan uint64, 1)
	c, clientAddr := newClient(t, "alice",
		client.WithAutoPing(false),
		client.WithCallbacks(client.Callbacks{
			Pong: func(rttMillis, _ uint64) { pongs <- rttMillis },
		}),
	)
	connect(t, relay, c, clientAddr)

	sentAt := uint64(time.Now().UnixMilli()) - 30
	relay.send(&neon.Packet{
		Header:  neon.Header{Type: neon.TypePong, SourceID: neon.IDHost, DestID: 2},
		Payload: &neon.Pong{OriginalTimestamp: sentAt},
	}, clientAddr)
	time.Sleep(20 * time.Millisecond)

	if err := c.ProcessPackets(); err != nil {
		t.Fatalf("ProcessPackets() error = %v", err)
	}

	select {
	case rtt := <-pongs:
		if rtt < 30 || rtt > 5000 {
			t.Errorf("rtt = %d ms, want >= 30 and sane", rtt)
		}
	default:
		t.Fatal("Pong callback never fired")
	}
}

func TestClientWrongDestinationDiscarded(t *testing.T) {
	t.Parallel()

	relay := newRelaySim(t)

	wrong := make(chan [2]uint8, 1)
	unhandled := make(chan neon.PacketType, 1)
	c, clientAddr := newClient(t, "alice",
		client.WithAutoPing(false),
		client.WithCallbacks(client.Callbacks{
			WrongDestination: func(myID, destID uint8) { wrong <- [2]uint8{myID, destID} },
			Unhandled:        func(pt neon.PacketType, _ uint8) { unhandled <- pt },
		}),
	)
	connect(t, relay, c, clientAddr)

	relay.send(&neon.Packet{
		Header:  neon.Header{Type: neon.TypePong, SourceID: neon.IDHost, DestID: 9},
		Payload: &neon.Pong{OriginalTimestamp: 1},
	}, clientAddr)
	time.Sleep(20 * time.Millisecond)

	if err := c.ProcessPackets(); err != nil {
		t.Fatalf("ProcessPackets() error = %v", err)
	}

	select {
	case ids := <-wrong:
		if ids != [2]uint8{2, 9} {
			t.Errorf("WrongDestination = %v, want [2 9]", ids)
		}
	default:
		t.Fatal("WrongDestination callback never fired")
	}
	select {
	case pt := <-unhandled:
		t.Errorf("Unhandled fired with %s for a misaddressed packet", pt)
	default:
	}
}

func TestClientRegistryCallback(t *testing.T) {
	t.Parallel()

	relay := newRelaySim(t)

	registries := make(chan []neon.RegistryEntry, 1)
	c, clientAddr := newClient(t, "alice",
		client.WithAutoPing(false),
		client.WithCallbacks(client.Callbacks{
			PacketTypeRegistry: func(entries []neon.RegistryEntry) { registries <- entries },
		}),
	)
	connect(t, relay, c, clientAddr)

	relay.send(&neon.Packet{
		Header: neon.Header{
			Type:     neon.TypePacketTypeRegistry,
			Sequence: 3,
			SourceID: neon.IDHost,
			DestID:   2,
		},
		Payload: &neon.PacketTypeRegistry{
			Entries: []neon.RegistryEntry{{ID: 0x10, Name: "GamePacket", Description: "Application-defined packet"}},
		},
	}, clientAddr)
	time.Sleep(20 * time.Millisecond)

	if err := c.ProcessPackets(); err != nil {
		t.Fatalf("ProcessPackets() error = %v", err)
	}

	select {
	case entries := <-registries:
		if len(entries) != 1 || entries[0].Name != "GamePacket" {
			t.Errorf("registry entries = %+v", entries)
		}
	default:
		t.Fatal("PacketTypeRegistry callback never fired")
	}
}

// -------------------------------------------------------------------------
// TestClientPing — manual and automatic probes
// -------------------------------------------------------------------------

func TestClientSendPing(t *testing.T) {
	t.Parallel()

	relay := newRelaySim(t)
	c, clientAddr := newClient(t, "alice", client.WithAutoPing(false))
	connect(t, relay, c, clientAddr)

	before := uint64(time.Now().UnixMilli())
	if err := c.SendPing(); err != nil {
		t.Fatalf("SendPing() error = %v", err)
	}

	ping := relay.expect(neon.TypePing)
	if ping.SourceID != 2 || ping.DestID != neon.IDHost {
		t.Errorf("ping header = %+v", ping.Header)
	}
	if ts := ping.Payload.(*neon.Ping).Timestamp; ts < before {
		t.Errorf("ping timestamp = %d, before the send", ts)
	}
}

func TestClientAutoPing(t *testing.T) {
	t.Parallel()

	relay := newRelaySim(t)
	c, clientAddr := newClient(t, "alice",
		client.WithPingInterval(30*time.Millisecond),
	)
	connect(t, relay, c, clientAddr)

	// Two ticks spaced past the interval produce two pings.
	if err := c.ProcessPackets(); err != nil {
		t.Fatalf("ProcessPackets() error = %v", err)
	}
	relay.expect(neon.TypePing)

	time.Sleep(50 * time.Millisecond)
	if err := c.ProcessPackets(); err != nil {
		t.Fatalf("ProcessPackets() error = %v", err)
	}
	relay.expect(neon.TypePing)
}

// -------------------------------------------------------------------------
// TestClientGuards — operations before the handshake
// -------------------------------------------------------------------------

func TestClientGuards(t *testing.T) {
	t.Parallel()

	c, _ := newClient(t, "alice")

	if err := c.SendPing(); !errors.Is(err, client.ErrNotConnected) {
		t.Errorf("SendPing() error = %v, want ErrNotConnected", err)
	}
	if err := c.ProcessPackets(); !errors.Is(err, client.ErrNotConnected) {
		t.Errorf("ProcessPackets() error = %v, want ErrNotConnected", err)
	}
	if err := c.SendToHost(0x10, nil); !errors.Is(err, client.ErrNotConnected) {
		t.Errorf("SendToHost() error = %v, want ErrNotConnected", err)
	}
}

func TestClientSendToHost(t *testing.T) {
	t.Parallel()

	relay := newRelaySim(t)
	c, clientAddr := newClient(t, "alice", client.WithAutoPing(false))
	connect(t, relay, c, clientAddr)

	if err := c.SendToHost(neon.TypePing, []byte{1}); err == nil {
		t.Error("SendToHost(control opcode) error = nil")
	}

	if err := c.SendToHost(0x20, []byte{0xAB}); err != nil {
		t.Fatalf("SendToHost() error = %v", err)
	}
	pkt := relay.expect(neon.PacketType(0x20))
	if pkt.DestID != neon.IDHost || pkt.SourceID != 2 {
		t.Errorf("app packet header = %+v", pkt.Header)
	}
	if data := pkt.Payload.(*neon.AppPayload).Data; len(data) != 1 || data[0] != 0xAB {
		t.Errorf("app payload = %x", data)
	}
}
