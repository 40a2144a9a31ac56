package relay

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

// Defaults for the relay's timer-driven maintenance.
const (
	// DefaultPort is the well-known relay UDP port.
	DefaultPort = 7777

	// DefaultPeerTimeout is how long a non-host peer may stay silent
	// before the aging sweep evicts it.
	DefaultPeerTimeout = 15 * time.Second

	// DefaultCleanupInterval is the period of the aging sweep.
	DefaultCleanupInterval = 5 * time.Second

	// defaultPollTimeout bounds each socket read so the loop can run
	// its maintenance tick and observe context cancellation.
	defaultPollTimeout = 100 * time.Millisecond
)

// Drop reasons reported to the metrics collector.
const (
	DropMalformed      = "malformed"
	DropUnknownSession = "unknown_session"
	DropUnknownSender  = "unknown_sender"
	DropNoDestination  = "no_destination"
	DropNoPending      = "no_pending"
	DropSendFailed     = "send_failed"
)

// MetricsReporter receives data-path events from the relay loop.
// Implemented by the Prometheus collector; a nil reporter disables
// reporting.
type MetricsReporter interface {
	PacketReceived()
	PacketForwarded()
	PacketDropped(reason string)
	PeerTimedOut()
	SetSessions(n int)
	SetPeers(n int)
}

// pendingConn is the short-lived record of an admission in flight,
// keyed by the requesting client's UDP address.
type pendingConn struct {
	sessionID uint32
	name      string
	created   time.Time
}

// Option configures a Node.
type Option func(*Node)

// WithLogger sets the node's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Node) { n.logger = logger }
}

// WithMetrics attaches a metrics reporter to the data path.
func WithMetrics(mr MetricsReporter) Option {
	return func(n *Node) { n.metrics = mr }
}

// WithPeerTimeout overrides the silence window after which non-host
// peers are evicted.
func WithPeerTimeout(d time.Duration) Option {
	return func(n *Node) { n.peerTimeout = d }
}

// WithCleanupInterval overrides the aging sweep period.
func WithCleanupInterval(d time.Duration) Option {
	return func(n *Node) { n.cleanupInterval = d }
}

// WithPollTimeout overrides the per-read deadline of the loop.
func WithPollTimeout(d time.Duration) Option {
	return func(n *Node) { n.pollTimeout = d }
}

// Node is a relay node: one UDP endpoint, a routing table, and the
// pending-admission map. Run owns all state; no method is safe to call
// concurrently with it, the read-only counters included, since they
// read the same unlocked maps. Call them before Run starts or after it
// returns.
type Node struct {
	ep      *netio.Endpoint
	table   *Table
	pending map[netip.AddrPort]pendingConn

	logger  *slog.Logger
	metrics MetricsReporter

	peerTimeout     time.Duration
	cleanupInterval time.Duration
	pollTimeout     time.Duration
	now             func() time.Time
}

// New creates a relay node over ep.
func New(ep *netio.Endpoint, opts ...Option) *Node {
	n := &Node{
		ep:              ep,
		table:           NewTable(),
		pending:         make(map[netip.AddrPort]pendingConn),
		logger:          slog.Default(),
		peerTimeout:     DefaultPeerTimeout,
		cleanupInterval: DefaultCleanupInterval,
		pollTimeout:     defaultPollTimeout,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// SessionCount returns the number of active sessions.
func (n *Node) SessionCount() int { return n.table.SessionCount() }

// PeerCount returns the number of peers across all sessions.
func (n *Node) PeerCount() int { return n.table.PeerCount() }

// Run executes the relay loop until ctx is cancelled (returns nil) or
// the socket fails fatally (returns the error). Per-forward send
// errors and malformed datagrams are logged and dropped.
func (n *Node) Run(ctx context.Context) error {
	n.logger.Info("relay listening",
		slog.String("addr", n.ep.LocalAddr().String()),
		slog.Duration("peer_timeout", n.peerTimeout),
	)

	lastCleanup := n.now()

	for {
		if ctx.Err() != nil {
			return nil
		}

		pkt, addr, err := n.ep.Recv(n.pollTimeout)
		switch {
		case err == nil:
			if n.metrics != nil {
				n.metrics.PacketReceived()
			}
			n.handlePacket(&pkt, addr)
		case errors.Is(err, netio.ErrTimeout):
			// Idle cycle; fall through to maintenance.
		case netio.IsDecodeError(err):
			n.logger.Warn("dropping malformed datagram", slog.String("error", err.Error()))
			n.drop(DropMalformed)
		default:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("relay loop: %w", err)
		}

		if n.now().Sub(lastCleanup) >= n.cleanupInterval {
			n.cleanup()
			lastCleanup = n.now()
		}
	}
}

// handlePacket applies the dispatch rules in order: admission control
// opcodes get special routing, everything else is forwarded by dest id
// within the sender's session.
func (n *Node) handlePacket(pkt *neon.Packet, addr netip.AddrPort) {
	switch pkt.Type {
	case neon.TypeConnectRequest:
		if req, ok := pkt.Payload.(*neon.ConnectRequest); ok {
			n.handleConnectRequest(pkt, req, addr)
		}
	case neon.TypeConnectAccept:
		if acc, ok := pkt.Payload.(*neon.ConnectAccept); ok {
			n.handleConnectAccept(pkt, acc, addr)
		}
	case neon.TypeConnectDeny:
		if deny, ok := pkt.Payload.(*neon.ConnectDeny); ok {
			n.handleConnectDeny(deny, addr)
		}
	default:
		n.forward(pkt, addr)
	}
}

// handleConnectRequest records a pending connection for the sender and
// forwards the request verbatim to the session's host. Requests for
// sessions without a registered host are dropped.
func (n *Node) handleConnectRequest(pkt *neon.Packet, req *neon.ConnectRequest, addr netip.AddrPort) {
	logger := n.logger.With(
		slog.String("name", req.DesiredName),
		slog.String("from", addr.String()),
		slog.Uint64("session_id", uint64(req.TargetSessionID)),
	)
	logger.Info("connect request")
	if req.GameID != nil {
		logger.Debug("connect request game id",
			slog.String("game_id", fmt.Sprintf("0x%08X", *req.GameID)))
	}

	hostAddr, ok := n.table.HostAddr(req.TargetSessionID)
	if !ok {
		logger.Warn("session not found, no host registered")
		n.drop(DropUnknownSession)
		return
	}

	// Overwriting an existing pending entry for the same address is
	// allowed; the newest request wins.
	n.pending[addr] = pendingConn{
		sessionID: req.TargetSessionID,
		name:      req.DesiredName,
		created:   n.now(),
	}

	logger.Debug("forwarding connect request", slog.String("host", hostAddr.String()))
	n.send(pkt, hostAddr)
}

// handleConnectAccept disambiguates the three roles of the opcode: the
// session host admitting a client, a host registering itself, and an
// admitted client's registration echo.
func (n *Node) handleConnectAccept(pkt *neon.Packet, acc *neon.ConnectAccept, addr netip.AddrPort) {
	if hostAddr, ok := n.table.HostAddr(acc.SessionID); ok {
		if addr == hostAddr && pkt.SourceID != 1 {
			n.routeAcceptToClient(pkt, acc)
			return
		}
	}

	if pkt.SourceID == 1 {
		n.table.RegisterHost(acc.SessionID, addr)
		n.logger.Info("host registered",
			slog.Uint64("session_id", uint64(acc.SessionID)),
			slog.String("addr", addr.String()),
		)
		n.logSessions()
	} else {
		n.table.RegisterClient(acc.SessionID, pkt.SourceID, addr)
		n.logger.Info("client registered",
			slog.Uint64("session_id", uint64(acc.SessionID)),
			slog.Int("client_id", int(pkt.SourceID)),
			slog.String("addr", addr.String()),
		)
	}
	n.updateGauges()
}

// routeAcceptToClient delivers a host's admission to the waiting
// client: a pending connection for the accepted session, as chosen by
// findPending.
func (n *Node) routeAcceptToClient(pkt *neon.Packet, acc *neon.ConnectAccept) {
	clientAddr, ok := n.findPending(acc.SessionID)
	if !ok {
		n.logger.Warn("no pending connection for connect accept",
			slog.Uint64("session_id", uint64(acc.SessionID)))
		n.drop(DropNoPending)
		return
	}

	n.logger.Info("routing connect accept",
		slog.Int("client_id", int(pkt.SourceID)),
		slog.String("client", clientAddr.String()),
	)

	response := neon.Packet{
		Header: neon.Header{
			Type:     neon.TypeConnectAccept,
			Sequence: 1,
			SourceID: pkt.SourceID,
			DestID:   acc.AssignedClientID,
		},
		Payload: acc,
	}
	n.send(&response, clientAddr)
	delete(n.pending, clientAddr)
}

// handleConnectDeny routes a host's rejection back to a pending
// connection (as chosen by findPending) for a session this host owns.
func (n *Node) handleConnectDeny(deny *neon.ConnectDeny, addr netip.AddrPort) {
	sessionID, ok := n.table.SessionOwnedBy(addr)
	if !ok {
		n.logger.Warn("connect deny from unknown host", slog.String("from", addr.String()))
		n.drop(DropUnknownSender)
		return
	}

	clientAddr, ok := n.findPending(sessionID)
	if !ok {
		n.logger.Warn("no pending connection for connect deny",
			slog.Uint64("session_id", uint64(sessionID)))
		n.drop(DropNoPending)
		return
	}

	n.logger.Info("routing connect deny",
		slog.String("client", clientAddr.String()),
		slog.String("reason", deny.Reason),
	)

	response := neon.Packet{
		Header: neon.Header{
			Type:     neon.TypeConnectDeny,
			Sequence: 1,
			SourceID: neon.IDUnassigned,
			DestID:   neon.IDUnassigned,
		},
		Payload: deny,
	}
	n.send(&response, clientAddr)
	delete(n.pending, clientAddr)
}

// findPending returns the address of a pending connection for
// sessionID. It ranges over a map, so when several connections are
// pending for the same session, which one is returned is not defined.
func (n *Node) findPending(sessionID uint32) (netip.AddrPort, bool) {
	for addr, pc := range n.pending {
		if pc.sessionID == sessionID {
			return addr, true
		}
	}
	return netip.AddrPort{}, false
}

// forward routes any non-admission packet within the sender's session
// by the header's dest id, refreshing the sender's liveness. The relay
// never inspects the payload here.
func (n *Node) forward(pkt *neon.Packet, addr netip.AddrPort) {
	sessionID, ok := n.table.SessionForAddr(addr)
	if !ok {
		n.logger.Warn("unknown sender, dropping packet",
			slog.String("from", addr.String()),
			slog.String("type", pkt.Type.String()),
		)
		n.drop(DropUnknownSender)
		return
	}

	n.table.TouchAddr(addr)

	dest, ok := n.table.PeerByID(sessionID, pkt.DestID)
	if !ok || dest.Addr == addr {
		n.logger.Warn("destination client not found, dropping packet",
			slog.Int("dest_id", int(pkt.DestID)),
			slog.Uint64("session_id", uint64(sessionID)),
			slog.String("from", addr.String()),
		)
		n.drop(DropNoDestination)
		return
	}

	if err := n.ep.Send(pkt, dest.Addr); err != nil {
		n.logger.Warn("failed to forward packet",
			slog.String("from", addr.String()),
			slog.Int("dest_id", int(pkt.DestID)),
			slog.String("error", err.Error()),
		)
		n.drop(DropSendFailed)
		return
	}
	if n.metrics != nil {
		n.metrics.PacketForwarded()
	}
}

// send transmits pkt, logging and counting failures without aborting
// the loop.
func (n *Node) send(pkt *neon.Packet, addr netip.AddrPort) {
	if err := n.ep.Send(pkt, addr); err != nil {
		n.logger.Warn("send failed",
			slog.String("to", addr.String()),
			slog.String("type", pkt.Type.String()),
			slog.String("error", err.Error()),
		)
		n.drop(DropSendFailed)
	}
}

// cleanup runs the aging sweep: evicts silent non-host peers, removes
// emptied sessions, and drops pending connections that never saw a
// registration echo.
func (n *Node) cleanup() {
	evicted, removed := n.table.Cleanup(n.peerTimeout)

	for _, p := range evicted {
		n.logger.Info("client timed out",
			slog.Int("client_id", int(p.ClientID)),
			slog.Uint64("session_id", uint64(p.SessionID)),
		)
		if n.metrics != nil {
			n.metrics.PeerTimedOut()
		}
	}
	for _, sessionID := range removed {
		n.logger.Info("removed empty session", slog.Uint64("session_id", uint64(sessionID)))
	}

	now := n.now()
	for addr, pc := range n.pending {
		if now.Sub(pc.created) >= n.peerTimeout {
			n.logger.Debug("expiring pending connection",
				slog.String("client", addr.String()),
				slog.Uint64("session_id", uint64(pc.sessionID)),
			)
			delete(n.pending, addr)
		}
	}

	n.updateGauges()
}

func (n *Node) drop(reason string) {
	if n.metrics != nil {
		n.metrics.PacketDropped(reason)
	}
}

func (n *Node) updateGauges() {
	if n.metrics == nil {
		return
	}
	n.metrics.SetSessions(n.table.SessionCount())
	n.metrics.SetPeers(n.table.PeerCount())
}

// logSessions emits the per-session summary after a host registers.
func (n *Node) logSessions() {
	for _, snap := range n.table.Snapshot() {
		n.logger.Info("active session",
			slog.Uint64("session_id", uint64(snap.SessionID)),
			slog.Int("hosts", snap.Hosts),
			slog.Int("clients", snap.Clients),
		)
	}
}
