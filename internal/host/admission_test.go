package host

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/kohanmathers/goneon/internal/neon"
	"github.com/kohanmathers/goneon/internal/netio"
)

// TestHostRefusesAdmissionWhenIDSpaceExhausted covers the id-space
// policy: once id 255 has been handed out, the next admission (which
// would need id 256) is denied and ids are not recycled.
func TestHostRefusesAdmissionWhenIDSpaceExhausted(t *testing.T) {
	t.Parallel()

	relayConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	defer relayConn.Close()
	relayAddr := relayConn.LocalAddr().(*net.UDPAddr).AddrPort()

	ep, err := netio.Listen("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ep.Close()

	var deniedReason string
	h := New(ep, relayAddr, 42,
		WithSettleDelay(0),
		WithCallbacks(Callbacks{
			ClientDenied: func(_, reason string) { deniedReason = reason },
		}),
	)
	h.nextClientID = int(neon.MaxClientID) + 1

	h.handleConnectRequest(&neon.ConnectRequest{
		ClientVersion:   neon.Version,
		TargetSessionID: 42,
		DesiredName:     "zed",
	})

	if err := relayConn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("SetReadDeadline() error = %v", err)
	}
	buf := make([]byte, neon.MaxDatagramSize)
	n, _, err := relayConn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP() error = %v", err)
	}

	var pkt neon.Packet
	if err := neon.Unmarshal(buf[:n], &pkt); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if pkt.Type != neon.TypeConnectDeny {
		t.Fatalf("host sent %s, want ConnectDeny", pkt.Type)
	}
	if reason := pkt.Payload.(*neon.ConnectDeny).Reason; reason != "Session is full" {
		t.Errorf("deny reason = %q, want \"Session is full\"", reason)
	}
	if deniedReason != "Session is full" {
		t.Errorf("ClientDenied reason = %q", deniedReason)
	}
	if h.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", h.ClientCount())
	}
}

// TestHostSendToClientValidation covers the application-send guards.
func TestHostSendToClientValidation(t *testing.T) {
	t.Parallel()

	ep, err := netio.Listen("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ep.Close()

	relayAddr := ep.LocalAddr().(*net.UDPAddr).AddrPort()
	h := New(ep, relayAddr, 42)

	if err := h.SendToClient(2, neon.TypePing, nil); !errors.Is(err, neon.ErrMalformedPayload) {
		t.Errorf("SendToClient(control opcode) error = %v, want ErrMalformedPayload", err)
	}
	if err := h.SendToClient(2, 0x10, []byte{1}); err == nil {
		t.Error("SendToClient(unadmitted client) error = nil")
	}
}
