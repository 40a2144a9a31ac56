// Package host implements the Neon session host: the privileged peer
// that owns a session id, admits clients by name, pushes session
// configuration reliably, and terminates liveness probes.
package host

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/kohanmathers/goneon/internal/neon"
	"github.com/kohanmathers/goneon/internal/netio"
)

// Session parameter defaults pushed in SessionConfig.
const (
	// DefaultTickRate is the advertised simulation tick rate in Hz.
	DefaultTickRate uint16 = 60

	// DefaultMaxPacketSize mirrors the wire maximum.
	DefaultMaxPacketSize uint16 = neon.MaxDatagramSize
)

// DefaultSettleDelay is the pause between admitting a client and the
// first reliable send, giving the registration echo time to install
// the client at the relay. The reliability layer makes the config push
// idempotent, so the delay only reduces wasted retransmits.
const DefaultSettleDelay = 50 * time.Millisecond

// defaultPollTimeout bounds each socket read so the loop can sweep the
// ack tracker and observe context cancellation.
const defaultPollTimeout = 100 * time.Millisecond

// Header sequence numbers for the admission sends. Sequences are
// sender-chosen and only the reliable config sequence is correlated.
const (
	seqRegister uint16 = 0
	seqAccept   uint16 = 1
	seqConfig   uint16 = 2
	seqRegistry uint16 = 3
)

// denySessionFull is the rejection reason when the client id space is
// exhausted. Ids are never recycled within a host lifetime.
const denySessionFull = "Session is full"

// Callbacks are optional event sinks invoked synchronously from the
// host loop. They must not block for longer than a tick.
type Callbacks struct {
	// ClientConnected fires after an admission completes.
	ClientConnected func(clientID uint8, name string, sessionID uint32)

	// ClientDenied fires when an admission is rejected.
	ClientDenied func(name, reason string)

	// PingReceived fires after a ping has been answered.
	PingReceived func(fromID uint8)

	// Unhandled fires for packets the host has no behavior for.
	Unhandled func(packetType neon.PacketType, sourceID uint8, from netip.AddrPort)
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the host's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Host) { h.logger = logger }
}

// WithCallbacks installs the event sinks.
func WithCallbacks(cb Callbacks) Option {
	return func(h *Host) { h.cb = cb }
}

// WithSettleDelay overrides the pause between admission and the first
// reliable send. Zero is valid.
func WithSettleDelay(d time.Duration) Option {
	return func(h *Host) { h.settleDelay = d }
}

// WithPollTimeout overrides the per-read deadline of the loop.
func WithPollTimeout(d time.Duration) Option {
	return func(h *Host) { h.pollTimeout = d }
}

// WithRegistry replaces the advertised application opcode registry.
func WithRegistry(entries []neon.RegistryEntry) Option {
	return func(h *Host) { h.registry = entries }
}

// WithAckPolicy overrides the reliability timeout and attempt ceiling.
func WithAckPolicy(timeout time.Duration, maxRetries int) Option {
	return func(h *Host) { h.acks = NewAckTracker(timeout, maxRetries) }
}

// WithSessionConfig overrides the pushed session parameters.
func WithSessionConfig(cfg neon.SessionConfig) Option {
	return func(h *Host) { h.config = cfg }
}

// Host owns exactly one session. Run owns all state; nothing here is
// safe for concurrent use while the loop runs.
type Host struct {
	ep        *netio.Endpoint
	relayAddr netip.AddrPort
	sessionID uint32

	// clients maps assigned id to desired name; name uniqueness within
	// the session is enforced here, not at the relay.
	clients      map[uint8]string
	nextClientID int

	acks     *AckTracker
	config   neon.SessionConfig
	registry []neon.RegistryEntry

	cb          Callbacks
	logger      *slog.Logger
	settleDelay time.Duration
	pollTimeout time.Duration
}

// New creates a host for sessionID reachable through the relay at
// relayAddr.
func New(ep *netio.Endpoint, relayAddr netip.AddrPort, sessionID uint32, opts ...Option) *Host {
	h := &Host{
		ep:           ep,
		relayAddr:    relayAddr,
		sessionID:    sessionID,
		clients:      make(map[uint8]string),
		nextClientID: int(neon.FirstClientID),
		acks:         NewAckTracker(DefaultAckTimeout, DefaultMaxRetries),
		config: neon.SessionConfig{
			Version:       neon.Version,
			TickRate:      DefaultTickRate,
			MaxPacketSize: DefaultMaxPacketSize,
		},
		registry: []neon.RegistryEntry{
			{ID: uint8(neon.TypeApplicationBase), Name: "GamePacket", Description: "Application-defined packet"},
		},
		logger:      slog.Default(),
		settleDelay: DefaultSettleDelay,
		pollTimeout: defaultPollTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewSessionID generates a random nonzero 32-bit session id.
func NewSessionID() uint32 {
	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			// crypto/rand.Read does not fail on supported platforms.
			panic(fmt.Sprintf("generate session id: %v", err))
		}
		if id := binary.LittleEndian.Uint32(buf[:]); id != 0 {
			return id
		}
	}
}

// SessionID returns the owned session id.
func (h *Host) SessionID() uint32 { return h.sessionID }

// RelayAddr returns the configured relay address.
func (h *Host) RelayAddr() netip.AddrPort { return h.relayAddr }

// ClientCount returns the number of admitted clients.
func (h *Host) ClientCount() int { return len(h.clients) }

// ClientName returns the desired name recorded for clientID.
func (h *Host) ClientName(clientID uint8) (string, bool) {
	name, ok := h.clients[clientID]
	return name, ok
}

// Run registers the session at the relay and executes the host loop
// until ctx is cancelled (returns nil) or the socket fails fatally.
func (h *Host) Run(ctx context.Context) error {
	h.logger.Info("host starting",
		slog.Uint64("session_id", uint64(h.sessionID)),
		slog.String("relay", h.relayAddr.String()),
	)

	if err := h.register(); err != nil {
		return fmt.Errorf("host registration: %w", err)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		h.sweepAcks()

		pkt, addr, err := h.ep.Recv(h.pollTimeout)
		switch {
		case err == nil:
			h.handlePacket(&pkt, addr)
		case errors.Is(err, netio.ErrTimeout):
			// Idle cycle.
		case netio.IsDecodeError(err):
			h.logger.Warn("dropping malformed datagram", slog.String("error", err.Error()))
		default:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("host loop: %w", err)
		}
	}
}

// register announces the session to the relay: a ConnectAccept with
// source id 1 and the host's own id in the body is the registration
// idiom over the shared opcode.
func (h *Host) register() error {
	pkt := neon.Packet{
		Header: neon.Header{
			Type:     neon.TypeConnectAccept,
			Sequence: seqRegister,
			SourceID: neon.IDHost,
			DestID:   neon.IDHost,
		},
		Payload: &neon.ConnectAccept{
			AssignedClientID: neon.IDHost,
			SessionID:        h.sessionID,
		},
	}
	return h.ep.Send(&pkt, h.relayAddr)
}

func (h *Host) handlePacket(pkt *neon.Packet, addr netip.AddrPort) {
	switch payload := pkt.Payload.(type) {
	case *neon.ConnectRequest:
		h.handleConnectRequest(payload)
	case *neon.Ping:
		h.handlePing(pkt, payload)
	case *neon.Ack:
		h.handleAck(pkt.SourceID, payload)
	default:
		h.logger.Debug("unhandled packet",
			slog.String("type", pkt.Type.String()),
			slog.Int("source_id", int(pkt.SourceID)),
			slog.String("from", addr.String()),
		)
		if h.cb.Unhandled != nil {
			h.cb.Unhandled(pkt.Type, pkt.SourceID, addr)
		}
	}
}

// handleConnectRequest runs the admission: misrouted requests are
// ignored, duplicate names and an exhausted id space are denied,
// everything else is granted an id and configured.
func (h *Host) handleConnectRequest(req *neon.ConnectRequest) {
	if req.TargetSessionID != h.sessionID {
		h.logger.Debug("ignoring request for other session",
			slog.String("name", req.DesiredName),
			slog.Uint64("target_session_id", uint64(req.TargetSessionID)),
		)
		return
	}

	if h.isNameTaken(req.DesiredName) {
		h.deny(req.DesiredName, fmt.Sprintf("Name '%s' is already in use", req.DesiredName))
		return
	}

	if h.nextClientID > int(neon.MaxClientID) {
		h.deny(req.DesiredName, denySessionFull)
		return
	}

	assigned := uint8(h.nextClientID)
	h.nextClientID++

	h.logger.Info("admitting client",
		slog.String("name", req.DesiredName),
		slog.Int("client_id", int(assigned)),
	)

	h.sendAccept(assigned)

	// Give the client's registration echo time to reach the relay
	// before the first routed send; retransmits cover the race either
	// way.
	if h.settleDelay > 0 {
		time.Sleep(h.settleDelay)
	}

	h.sendConfig(assigned)
	h.sendRegistry(assigned)

	h.clients[assigned] = req.DesiredName

	if h.cb.ClientConnected != nil {
		h.cb.ClientConnected(assigned, req.DesiredName, h.sessionID)
	}
}

func (h *Host) isNameTaken(name string) bool {
	for _, existing := range h.clients {
		if existing == name {
			return true
		}
	}
	return false
}

func (h *Host) deny(name, reason string) {
	h.logger.Info("denying client",
		slog.String("name", name),
		slog.String("reason", reason),
	)

	pkt := neon.Packet{
		Header: neon.Header{
			Type:     neon.TypeConnectDeny,
			Sequence: seqAccept,
			SourceID: neon.IDHost,
			DestID:   neon.IDUnassigned,
		},
		Payload: &neon.ConnectDeny{Reason: reason},
	}
	h.send(&pkt)

	if h.cb.ClientDenied != nil {
		h.cb.ClientDenied(name, reason)
	}
}

// sendAccept grants an id. The header's source id carries the assigned
// id; the relay's admit-routing rule depends on it differing from 1.
func (h *Host) sendAccept(assigned uint8) {
	pkt := neon.Packet{
		Header: neon.Header{
			Type:     neon.TypeConnectAccept,
			Sequence: seqAccept,
			SourceID: assigned,
			DestID:   assigned,
		},
		Payload: &neon.ConnectAccept{
			AssignedClientID: assigned,
			SessionID:        h.sessionID,
		},
	}
	h.send(&pkt)
}

// sendConfig pushes the session configuration reliably: the marshaled
// bytes are tracked until the client acknowledges the sequence or the
// retry ceiling is reached.
func (h *Host) sendConfig(assigned uint8) {
	cfg := h.config
	pkt := neon.Packet{
		Header: neon.Header{
			Type:     neon.TypeSessionConfig,
			Sequence: seqConfig,
			SourceID: assigned,
			DestID:   assigned,
		},
		Payload: &cfg,
	}

	buf := make([]byte, neon.MaxDatagramSize)
	n, err := neon.Marshal(&pkt, buf)
	if err != nil {
		h.logger.Error("marshal session config", slog.String("error", err.Error()))
		return
	}

	if err := h.ep.SendRaw(buf[:n], h.relayAddr); err != nil {
		h.logger.Warn("send session config",
			slog.Int("client_id", int(assigned)),
			slog.String("error", err.Error()),
		)
	}
	h.acks.Track(assigned, buf[:n], seqConfig)
}

func (h *Host) sendRegistry(assigned uint8) {
	if len(h.registry) == 0 {
		return
	}
	pkt := neon.Packet{
		Header: neon.Header{
			Type:     neon.TypePacketTypeRegistry,
			Sequence: seqRegistry,
			SourceID: assigned,
			DestID:   assigned,
		},
		Payload: &neon.PacketTypeRegistry{Entries: h.registry},
	}
	h.send(&pkt)
}

// handlePing answers with a pong that echoes the probe's timestamp and
// sequence number.
func (h *Host) handlePing(pkt *neon.Packet, ping *neon.Ping) {
	pong := neon.Packet{
		Header: neon.Header{
			Type:     neon.TypePong,
			Sequence: pkt.Sequence,
			SourceID: neon.IDHost,
			DestID:   pkt.SourceID,
		},
		Payload: &neon.Pong{OriginalTimestamp: ping.Timestamp},
	}
	h.send(&pong)

	h.logger.Debug("answered ping", slog.Int("client_id", int(pkt.SourceID)))
	if h.cb.PingReceived != nil {
		h.cb.PingReceived(pkt.SourceID)
	}
}

func (h *Host) handleAck(sourceID uint8, ack *neon.Ack) {
	if h.acks.Ack(sourceID, ack) {
		h.logger.Debug("config acknowledged", slog.Int("client_id", int(sourceID)))
	}
}

// sweepAcks retransmits expired reliable sends and reports exhausted
// destinations.
func (h *Host) sweepAcks() {
	resend, exhausted := h.acks.Sweep()

	for _, r := range resend {
		if err := h.ep.SendRaw(r.Data, h.relayAddr); err != nil {
			h.logger.Warn("retransmit failed",
				slog.Int("client_id", int(r.ClientID)),
				slog.String("error", err.Error()),
			)
			continue
		}
		h.logger.Debug("retransmitted config", slog.Int("client_id", int(r.ClientID)))
	}

	for _, clientID := range exhausted {
		h.logger.Warn("config delivery exhausted",
			slog.Int("client_id", int(clientID)),
		)
	}
}

// SendToClient transmits an application packet to an admitted client
// through the relay.
func (h *Host) SendToClient(clientID uint8, packetType neon.PacketType, data []byte) error {
	if !packetType.IsApplication() {
		return fmt.Errorf("send to client %d: opcode 0x%02X is not application-defined: %w",
			clientID, uint8(packetType), neon.ErrMalformedPayload)
	}
	if _, ok := h.clients[clientID]; !ok {
		return fmt.Errorf("send to client %d: not admitted", clientID)
	}

	pkt := neon.Packet{
		Header: neon.Header{
			Type:     packetType,
			SourceID: neon.IDHost,
			DestID:   clientID,
		},
		Payload: &neon.AppPayload{Data: data},
	}
	return h.ep.Send(&pkt, h.relayAddr)
}

func (h *Host) send(pkt *neon.Packet) {
	if err := h.ep.Send(pkt, h.relayAddr); err != nil {
		h.logger.Warn("send failed",
			slog.String("type", pkt.Type.String()),
			slog.String("error", err.Error()),
		)
	}
}
