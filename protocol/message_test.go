package protocol_test

import (
	"net"
	"testing"

	"pwlp/protocol"
)

func testMAC(t *testing.T) net.HardwareAddr {
	t.Helper()
	mac, err := net.ParseMAC("aa:bb:cc:dd:ee:ff")
	if err != nil {
		t.Fatalf("parsing test MAC: %v", err)
	}
	return mac
}

func TestSignThenParseRoundTrips(t *testing.T) {
	key := []byte("sharedsecret")
	msg := &protocol.Message{
		MAC:      testMAC(t),
		UnixTime: 1700000000,
		Type:     protocol.Run,
		Payload:  []byte{0x10, 0x20, 0xFE},
	}

	wire, err := msg.Signed(key)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}

	parsed, err := protocol.FromBuffer(wire, key)
	if err != nil {
		t.Fatalf("parsing: %v", err)
	}

	if parsed.MAC.String() != msg.MAC.String() {
		t.Errorf("mac mismatch: got %s, want %s", parsed.MAC, msg.MAC)
	}
	if parsed.UnixTime != msg.UnixTime {
		t.Errorf("unix_time mismatch: got %d, want %d", parsed.UnixTime, msg.UnixTime)
	}
	if parsed.Type != msg.Type {
		t.Errorf("type mismatch: got %v, want %v", parsed.Type, msg.Type)
	}
	if string(parsed.Payload) != string(msg.Payload) {
		t.Errorf("payload mismatch: got %v, want %v", parsed.Payload, msg.Payload)
	}
}

func TestEmptyPayloadRoundTrips(t *testing.T) {
	key := []byte("sharedsecret")
	msg := &protocol.Message{MAC: testMAC(t), UnixTime: 42, Type: protocol.Ping}

	wire, err := msg.Signed(key)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}
	parsed, err := protocol.FromBuffer(wire, key)
	if err != nil {
		t.Fatalf("parsing: %v", err)
	}
	if len(parsed.Payload) != 0 {
		t.Errorf("expected empty payload, got %v", parsed.Payload)
	}
}

func TestTamperedByteInvalidatesSignature(t *testing.T) {
	key := []byte("sharedsecret")
	msg := &protocol.Message{MAC: testMAC(t), UnixTime: 1, Type: protocol.Run, Payload: []byte{1, 2, 3}}
	wire, err := msg.Signed(key)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}

	wire[0] ^= 0xFF
	if _, err := protocol.FromBuffer(wire, key); err != protocol.ErrSignatureInvalid {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestWrongKeyInvalidatesSignature(t *testing.T) {
	msg := &protocol.Message{MAC: testMAC(t), UnixTime: 1, Type: protocol.Ping}
	wire, err := msg.Signed([]byte("correct"))
	if err != nil {
		t.Fatalf("signing: %v", err)
	}
	if _, err := protocol.FromBuffer(wire, []byte("wrong")); err != protocol.ErrSignatureInvalid {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestMessageTooShort(t *testing.T) {
	if _, err := protocol.FromBuffer([]byte{1, 2, 3}, []byte("key")); err != protocol.ErrMessageTooShort {
		t.Fatalf("expected ErrMessageTooShort, got %v", err)
	}
}

func TestPeekMACAddressTooShort(t *testing.T) {
	if _, err := protocol.PeekMACAddress([]byte{1, 2, 3}); err != protocol.ErrMessageTooShort {
		t.Fatalf("expected ErrMessageTooShort, got %v", err)
	}
}

func TestUnknownMessageTypeParsesAsUnknown(t *testing.T) {
	key := []byte("sharedsecret")
	msg := &protocol.Message{MAC: testMAC(t), UnixTime: 1, Type: protocol.MessageType(0x7F)}
	wire, err := msg.Signed(key)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}
	parsed, err := protocol.FromBuffer(wire, key)
	if err != nil {
		t.Fatalf("parsing: %v", err)
	}
	if parsed.Type != protocol.Unknown {
		t.Errorf("expected Unknown, got %v", parsed.Type)
	}
}
