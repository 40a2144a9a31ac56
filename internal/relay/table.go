// Package relay implements the Neon relay node: a stateless-per-packet
// UDP router that maintains soft session state keyed by peer address.
//
// The relay never examines application payload bytes. All tables are
// owned by the single loop goroutine; there is no cross-goroutine
// sharing and therefore no locking.
package relay

import (
	"net/netip"
	"sort"
	"time"
)

// Peer is a session member known to the relay, identified by its UDP
// source address. A peer with client id 1 is the session's host.
type Peer struct {
	// Addr is the peer's UDP source address, the routing key.
	Addr netip.AddrPort

	// ClientID is the peer's assigned id within its session.
	ClientID uint8

	// SessionID is the session the peer belongs to.
	SessionID uint32

	// IsHost marks the session host. At most one per session.
	IsHost bool

	// LastSeen is the time of the peer's most recent datagram.
	LastSeen time.Time
}

// SessionSnapshot is a read-only summary of one session for logging
// and introspection.
type SessionSnapshot struct {
	SessionID uint32
	HostAddr  netip.AddrPort
	Hosts     int
	Clients   int
}

// Table holds the relay's routing state: peers grouped by session, and
// the host address per session kept redundantly for O(1) lookup.
//
// Invariants maintained here: a session exists iff it has at least one
// peer; registering a client id replaces any prior peer holding that
// id; an empty session is removed together with its host entry.
type Table struct {
	sessions map[uint32][]Peer
	hosts    map[uint32]netip.AddrPort

	// now is the clock, injectable for aging tests.
	now func() time.Time
}

// NewTable creates an empty routing table using the real clock.
func NewTable() *Table {
	return &Table{
		sessions: make(map[uint32][]Peer),
		hosts:    make(map[uint32]netip.AddrPort),
		now:      time.Now,
	}
}

// RegisterHost records addr as the host for sessionID, evicting any
// stale host entry for that id, and inserts the host peer.
func (t *Table) RegisterHost(sessionID uint32, addr netip.AddrPort) {
	t.hosts[sessionID] = addr
	t.insertPeer(Peer{
		Addr:      addr,
		ClientID:  1,
		SessionID: sessionID,
		IsHost:    true,
		LastSeen:  t.now(),
	})
}

// RegisterClient inserts a client peer, replacing any prior peer in
// the session that holds the same id.
func (t *Table) RegisterClient(sessionID uint32, clientID uint8, addr netip.AddrPort) {
	t.insertPeer(Peer{
		Addr:      addr,
		ClientID:  clientID,
		SessionID: sessionID,
		IsHost:    false,
		LastSeen:  t.now(),
	})
}

func (t *Table) insertPeer(p Peer) {
	peers := t.sessions[p.SessionID]
	kept := peers[:0]
	for _, existing := range peers {
		if existing.ClientID != p.ClientID {
			kept = append(kept, existing)
		}
	}
	t.sessions[p.SessionID] = append(kept, p)
}

// HostAddr returns the host address for sessionID.
func (t *Table) HostAddr(sessionID uint32) (netip.AddrPort, bool) {
	addr, ok := t.hosts[sessionID]
	return addr, ok
}

// SessionOwnedBy returns the id of a session whose host address is
// addr. Used to route a ConnectDeny back through the denying host's
// pending connections.
func (t *Table) SessionOwnedBy(addr netip.AddrPort) (uint32, bool) {
	for sessionID, hostAddr := range t.hosts {
		if hostAddr == addr {
			return sessionID, true
		}
	}
	return 0, false
}

// SessionForAddr returns the session containing a peer with the given
// source address.
func (t *Table) SessionForAddr(addr netip.AddrPort) (uint32, bool) {
	for sessionID, peers := range t.sessions {
		for _, p := range peers {
			if p.Addr == addr {
				return sessionID, true
			}
		}
	}
	return 0, false
}

// PeerByID returns the peer holding clientID within sessionID.
func (t *Table) PeerByID(sessionID uint32, clientID uint8) (Peer, bool) {
	for _, p := range t.sessions[sessionID] {
		if p.ClientID == clientID {
			return p, true
		}
	}
	return Peer{}, false
}

// TouchAddr refreshes the last-seen timestamp of the peer with the
// given source address. Reports whether such a peer exists.
func (t *Table) TouchAddr(addr netip.AddrPort) bool {
	for sessionID, peers := range t.sessions {
		for i := range peers {
			if peers[i].Addr == addr {
				t.sessions[sessionID][i].LastSeen = t.now()
				return true
			}
		}
	}
	return false
}

// Cleanup evicts every non-host peer whose last-seen timestamp is
// older than timeout, then removes sessions whose peer list emptied,
// atomically with their host entries. Hosts never age out here.
//
// Returns the evicted peers and the ids of removed sessions.
func (t *Table) Cleanup(timeout time.Duration) (evicted []Peer, removed []uint32) {
	now := t.now()

	for sessionID, peers := range t.sessions {
		kept := peers[:0]
		for _, p := range peers {
			if !p.IsHost && now.Sub(p.LastSeen) >= timeout {
				evicted = append(evicted, p)
				continue
			}
			kept = append(kept, p)
		}

		if len(kept) == 0 {
			delete(t.sessions, sessionID)
			delete(t.hosts, sessionID)
			removed = append(removed, sessionID)
			continue
		}
		t.sessions[sessionID] = kept
	}

	return evicted, removed
}

// SessionCount returns the number of active sessions.
func (t *Table) SessionCount() int {
	return len(t.sessions)
}

// PeerCount returns the total number of peers across all sessions,
// hosts included.
func (t *Table) PeerCount() int {
	total := 0
	for _, peers := range t.sessions {
		total += len(peers)
	}
	return total
}

// Snapshot returns per-session summaries ordered by session id.
func (t *Table) Snapshot() []SessionSnapshot {
	snaps := make([]SessionSnapshot, 0, len(t.sessions))
	for sessionID, peers := range t.sessions {
		snap := SessionSnapshot{
			SessionID: sessionID,
			HostAddr:  t.hosts[sessionID],
		}
		for _, p := range peers {
			if p.IsHost {
				snap.Hosts++
			} else {
				snap.Clients++
			}
		}
		snaps = append(snaps, snap)
	}

	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].SessionID < snaps[j].SessionID
	})
	return snaps
}
