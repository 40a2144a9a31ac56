// Package netio provides the single UDP endpoint each peer role runs
// its event loop over.
//
// The Endpoint wraps a PacketConn (satisfied by *net.UDPConn) and
// performs the codec work at the socket edge: Send marshals into a
// pooled buffer, Recv reads with a deadline and decodes before
// returning. The PacketConn seam exists so loop logic can be tested
// against in-memory connections.
package netio
