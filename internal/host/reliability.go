package host

import (
	"time"

	"github.com/kohanmathers/goneon/internal/neon"
)

// Reliability defaults. Reliability currently applies only to the
// SessionConfig push, but the tracker is payload-agnostic.
const (
	// DefaultAckTimeout is how long a reliable send waits for its Ack
	// before being retransmitted.
	DefaultAckTimeout = 2 * time.Second

	// DefaultMaxRetries is the total number of transmission attempts
	// before a pending entry is declared exhausted.
	DefaultMaxRetries = 5
)

// pendingAck records one reliable packet awaiting acknowledgement.
// The marshaled bytes are kept so retransmissions are verbatim.
type pendingAck struct {
	data     []byte
	sequence uint16
	sentAt   time.Time
	retries  int
}

// Resend is a retransmission order produced by a tracker sweep.
type Resend struct {
	// ClientID is the destination the packet is pending for.
	ClientID uint8

	// Data is the original marshaled datagram, resent verbatim.
	Data []byte
}

// AckTracker implements per-destination retransmit state: at most one
// pending packet per client id, a timeout per attempt, and a retry
// ceiling. It is owned by the host loop and is not safe for concurrent
// use.
type AckTracker struct {
	pending    map[uint8]*pendingAck
	timeout    time.Duration
	maxRetries int

	// now is the clock, injectable for tests.
	now func() time.Time
}

// NewAckTracker creates a tracker with the given per-attempt timeout
// and total attempt ceiling.
func NewAckTracker(timeout time.Duration, maxRetries int) *AckTracker {
	return &AckTracker{
		pending:    make(map[uint8]*pendingAck),
		timeout:    timeout,
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

// Track records data as awaiting an Ack for sequence from clientID.
// A prior pending entry for the same client is replaced: the protocol
// allows at most one reliable packet in flight per destination.
func (t *AckTracker) Track(clientID uint8, data []byte, sequence uint16) {
	stored := make([]byte, len(data))
	copy(stored, data)

	t.pending[clientID] = &pendingAck{
		data:     stored,
		sequence: sequence,
		sentAt:   t.now(),
		retries:  0,
	}
}

// Ack clears the pending entry for clientID if ack covers its
// sequence number. Duplicate or unrelated acks have no effect.
// Reports whether an entry was cleared.
func (t *AckTracker) Ack(clientID uint8, ack *neon.Ack) bool {
	pending, ok := t.pending[clientID]
	if !ok || !ack.Acknowledges(pending.sequence) {
		return false
	}
	delete(t.pending, clientID)
	return true
}

// Sweep scans the pending entries: expired entries under the retry
// ceiling are returned for retransmission with their timer reset and
// retry count bumped; entries that exhausted the ceiling are evicted
// and their client ids returned as failures.
func (t *AckTracker) Sweep() (resend []Resend, exhausted []uint8) {
	now := t.now()

	for clientID, pending := range t.pending {
		if now.Sub(pending.sentAt) < t.timeout {
			continue
		}

		// Retries counts transmissions after the first; the ceiling is
		// total attempts.
		if pending.retries >= t.maxRetries-1 {
			delete(t.pending, clientID)
			exhausted = append(exhausted, clientID)
			continue
		}

		pending.sentAt = now
		pending.retries++
		resend = append(resend, Resend{ClientID: clientID, Data: pending.data})
	}

	return resend, exhausted
}

// Pending reports whether a reliable packet is awaiting an Ack from
// clientID.
func (t *AckTracker) Pending(clientID uint8) bool {
	_, ok := t.pending[clientID]
	return ok
}

// Len returns the number of pending entries.
func (t *AckTracker) Len() int {
	return len(t.pending)
}
