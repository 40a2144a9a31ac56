// Package client implements the Neon session client: it discovers a
// session through the relay, is admitted by the host, maintains
// liveness with periodic pings, and dispatches received events to
// caller-supplied callbacks.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/kohanmathers/goneon/internal/neon"
	"github.com/kohanmathers/goneon/internal/netio"
)

// Handshake and steady-state defaults.
const (
	// DefaultHandshakeTimeout bounds the blocking wait for the relay's
	// admission response.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultPingInterval is the auto-ping period.
	DefaultPingInterval = 5 * time.Second

	// drainTimeout is the per-read deadline while draining pending
	// datagrams in ProcessPackets.
	drainTimeout = time.Millisecond

	// runTick is the pause between ProcessPackets calls in Run.
	runTick = 10 * time.Millisecond
)

// Sentinel errors surfaced by Connect.
var (
	// ErrSessionMismatch indicates the accepted session id differs
	// from the requested one.
	ErrSessionMismatch = errors.New("session id mismatch")

	// ErrConnectDenied indicates the host rejected the admission; the
	// wrapping error carries the reason.
	ErrConnectDenied = errors.New("connection denied")

	// ErrHandshakeTimeout indicates no admission response arrived
	// within the handshake deadline.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrProtocolViolation indicates the relay answered the handshake
	// with something other than an accept or deny.
	ErrProtocolViolation = errors.New("protocol violation during handshake")

	// ErrNotConnected indicates an operation that requires a completed
	// handshake.
	ErrNotConnected = errors.New("client not connected")
)

// Callbacks are optional event sinks invoked synchronously from the
// client loop. They must not block for longer than a tick.
type Callbacks struct {
	// Pong fires with the measured round-trip time in milliseconds and
	// the local receive timestamp.
	Pong func(rttMillis, timestamp uint64)

	// SessionConfig fires after the config has been acknowledged.
	SessionConfig func(version uint8, tickRate, maxPacketSize uint16)

	// PacketTypeRegistry fires with the advertised opcode entries.
	PacketTypeRegistry func(entries []neon.RegistryEntry)

	// Unhandled fires for packets addressed to this client that have
	// no defined behavior.
	Unhandled func(packetType neon.PacketType, sourceID uint8)

	// WrongDestination fires for packets that reached this socket but
	// name a different dest id; they are discarded.
	WrongDestination func(myID, destID uint8)
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithCallbacks installs the event sinks.
func WithCallbacks(cb Callbacks) Option {
	return func(c *Client) { c.cb = cb }
}

// WithAutoPing enables or disables the periodic liveness probe.
// Enabled by default.
func WithAutoPing(enabled bool) Option {
	return func(c *Client) { c.autoPing = enabled }
}

// WithPingInterval overrides the auto-ping period.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) { c.pingInterval = d }
}

// WithGameID attaches an application identifier to the connect
// request.
func WithGameID(id uint32) Option {
	return func(c *Client) { c.gameID = &id }
}

// WithHandshakeTimeout overrides the admission deadline.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) { c.handshakeTimeout = d }
}

// Client is a Neon session client over a single UDP endpoint. Connect
// and the loop methods share state and must run on one goroutine.
type Client struct {
	ep   *netio.Endpoint
	name string

	relayAddr netip.AddrPort
	clientID  uint8
	sessionID uint32
	connected bool

	gameID           *uint32
	autoPing         bool
	pingInterval     time.Duration
	handshakeTimeout time.Duration
	lastPing         time.Time
	pingSeq          uint16

	cb     Callbacks
	logger *slog.Logger
}

// New creates a client with a display name.
func New(ep *netio.Endpoint, name string, opts ...Option) *Client {
	c := &Client{
		ep:               ep,
		name:             name,
		autoPing:         true,
		pingInterval:     DefaultPingInterval,
		handshakeTimeout: DefaultHandshakeTimeout,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the client's display name.
func (c *Client) Name() string { return c.name }

// ClientID returns the assigned id, zero before admission.
func (c *Client) ClientID() uint8 { return c.clientID }

// SessionID returns the joined session id, zero before admission.
func (c *Client) SessionID() uint32 { return c.sessionID }

// Connected reports whether the handshake completed.
func (c *Client) Connected() bool { return c.connected }

// Connect joins a session through the relay: it sends the connect
// request, blocks up to the handshake deadline for the response, and
// on acceptance sends the registration echo that installs this client
// in the relay's peer table.
//
// Failures: ErrHandshakeTimeout after the deadline, ErrConnectDenied
// (with reason) on rejection, ErrSessionMismatch when the accept names
// a different session, ErrProtocolViolation on anything else.
func (c *Client) Connect(ctx context.Context, sessionID uint32, relayAddr netip.AddrPort) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	c.relayAddr = relayAddr

	c.logger.Info("connecting",
		slog.Uint64("session_id", uint64(sessionID)),
		slog.String("relay", relayAddr.String()),
	)

	request := neon.Packet{
		Header: neon.Header{
			Type:     neon.TypeConnectRequest,
			Sequence: 1,
			SourceID: neon.IDUnassigned,
			DestID:   neon.IDHost,
		},
		Payload: &neon.ConnectRequest{
			ClientVersion:   neon.Version,
			TargetSessionID: sessionID,
			GameID:          c.gameID,
			DesiredName:     c.name,
		},
	}
	if err := c.ep.Send(&request, relayAddr); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	pkt, _, err := c.ep.Recv(c.handshakeTimeout)
	switch {
	case err == nil:
	case errors.Is(err, netio.ErrTimeout):
		return fmt.Errorf("connect to session %d: %w", sessionID, ErrHandshakeTimeout)
	case netio.IsDecodeError(err):
		return fmt.Errorf("connect to session %d: %v: %w", sessionID, err, ErrProtocolViolation)
	default:
		return fmt.Errorf("connect: %w", err)
	}

	switch payload := pkt.Payload.(type) {
	case *neon.ConnectAccept:
		if payload.SessionID != sessionID {
			return fmt.Errorf("connect: requested session %d, accepted into %d: %w",
				sessionID, payload.SessionID, ErrSessionMismatch)
		}
		c.clientID = payload.AssignedClientID
		c.sessionID = payload.SessionID

	case *neon.ConnectDeny:
		return fmt.Errorf("connect to session %d: %s: %w", sessionID, payload.Reason, ErrConnectDenied)

	default:
		return fmt.Errorf("connect to session %d: unexpected %s: %w",
			sessionID, pkt.Type, ErrProtocolViolation)
	}

	if err := c.sendRegistrationEcho(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	c.connected = true

	c.logger.Info("connected", slog.Int("client_id", int(c.clientID)))
	return nil
}

// sendRegistrationEcho repeats the accept back to the relay with this
// client's id as the header source, installing it in the peer table.
func (c *Client) sendRegistrationEcho() error {
	echo := neon.Packet{
		Header: neon.Header{
			Type:     neon.TypeConnectAccept,
			Sequence: 2,
			SourceID: c.clientID,
			DestID:   neon.IDHost,
		},
		Payload: &neon.ConnectAccept{
			AssignedClientID: c.clientID,
			SessionID:        c.sessionID,
		},
	}
	return c.ep.Send(&echo, c.relayAddr)
}

// SendPing transmits a liveness probe stamped with the current time.
func (c *Client) SendPing() error {
	if !c.connected {
		return ErrNotConnected
	}

	c.pingSeq++
	pkt := neon.Packet{
		Header: neon.Header{
			Type:     neon.TypePing,
			Sequence: c.pingSeq,
			SourceID: c.clientID,
			DestID:   neon.IDHost,
		},
		Payload: &neon.Ping{Timestamp: nowMillis()},
	}
	return c.ep.Send(&pkt, c.relayAddr)
}

// SendToHost transmits an application packet to the session host
// through the relay.
func (c *Client) SendToHost(packetType neon.PacketType, data []byte) error {
	if !c.connected {
		return ErrNotConnected
	}
	if !packetType.IsApplication() {
		return fmt.Errorf("send to host: opcode 0x%02X is not application-defined: %w",
			uint8(packetType), neon.ErrMalformedPayload)
	}

	pkt := neon.Packet{
		Header: neon.Header{
			Type:     packetType,
			SourceID: c.clientID,
			DestID:   neon.IDHost,
		},
		Payload: &neon.AppPayload{Data: data},
	}
	return c.ep.Send(&pkt, c.relayAddr)
}

// ProcessPackets runs one client tick: emits the auto-ping when due,
// then drains and dispatches every pending datagram. Malformed
// datagrams are dropped with a log; only socket failures are returned.
func (c *Client) ProcessPackets() error {
	if !c.connected {
		return ErrNotConnected
	}

	if c.autoPing && time.Since(c.lastPing) >= c.pingInterval {
		if err := c.SendPing(); err != nil {
			return fmt.Errorf("auto ping: %w", err)
		}
		c.lastPing = time.Now()
	}

	for {
		pkt, _, err := c.ep.Recv(drainTimeout)
		switch {
		case err == nil:
			c.dispatch(&pkt)
		case errors.Is(err, netio.ErrTimeout):
			return nil
		case netio.IsDecodeError(err):
			c.logger.Warn("dropping malformed datagram", slog.String("error", err.Error()))
		default:
			return fmt.Errorf("process packets: %w", err)
		}
	}
}

// dispatch routes one received packet to its callback. Packets for a
// different dest id are reported and discarded.
func (c *Client) dispatch(pkt *neon.Packet) {
	if pkt.DestID != c.clientID {
		c.logger.Debug("packet for wrong destination",
			slog.Int("my_id", int(c.clientID)),
			slog.Int("dest_id", int(pkt.DestID)),
		)
		if c.cb.WrongDestination != nil {
			c.cb.WrongDestination(c.clientID, pkt.DestID)
		}
		return
	}

	switch payload := pkt.Payload.(type) {
	case *neon.Pong:
		now := nowMillis()
		var rtt uint64
		if now > payload.OriginalTimestamp {
			rtt = now - payload.OriginalTimestamp
		}
		if c.cb.Pong != nil {
			c.cb.Pong(rtt, now)
		}

	case *neon.SessionConfig:
		// Acknowledge before surfacing; the host retransmits until the
		// sequence is acked.
		c.sendAck(pkt.Sequence)
		if c.cb.SessionConfig != nil {
			c.cb.SessionConfig(payload.Version, payload.TickRate, payload.MaxPacketSize)
		}

	case *neon.PacketTypeRegistry:
		if c.cb.PacketTypeRegistry != nil {
			c.cb.PacketTypeRegistry(payload.Entries)
		}

	default:
		if c.cb.Unhandled != nil {
			c.cb.Unhandled(pkt.Type, pkt.SourceID)
		}
	}
}

func (c *Client) sendAck(sequence uint16) {
	ack := neon.Packet{
		Header: neon.Header{
			Type:     neon.TypeAck,
			SourceID: c.clientID,
			DestID:   neon.IDHost,
		},
		Payload: &neon.Ack{Sequences: []uint16{sequence}},
	}
	if err := c.ep.Send(&ack, c.relayAddr); err != nil {
		c.logger.Warn("send ack", slog.String("error", err.Error()))
	}
}

// Run executes the client loop until ctx is cancelled (returns nil) or
// the socket fails fatally.
func (c *Client) Run(ctx context.Context) error {
	ticker := time.NewTicker(runTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.ProcessPackets(); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// nowMillis returns the current time in milliseconds since the epoch,
// the unit ping timestamps use on the wire.
func nowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}
