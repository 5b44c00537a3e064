// Package protocol implements the signed UDP wire codec (C7): message
// framing and HMAC-SHA1 signing/verification between server and client.
package protocol

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

const (
	macSize     = 6
	timeSize    = 4
	typeSize    = 1
	hmacSize    = sha1.Size
	headerSize  = macSize + timeSize + typeSize
	minFullSize = headerSize + hmacSize
)

// Wire-level faults (spec.md §7). Server and client log and drop on any
// of these; none of them are fatal.
var (
	ErrMessageTooShort   = errors.New("protocol: message too short")
	ErrSignatureInvalid  = errors.New("protocol: signature invalid")
	ErrMacAddressInvalid = errors.New("protocol: mac address invalid")
)

// MessageType discriminates the four wire message kinds, plus Unknown for
// anything outside {1,2,3,4} — parsed but ignored by both peers.
type MessageType byte

const (
	Ping    MessageType = 1
	Pong    MessageType = 2
	Set     MessageType = 3
	Run     MessageType = 4
	Unknown MessageType = 0xFF
)

func messageTypeFrom(b byte) MessageType {
	switch b {
	case byte(Ping), byte(Pong), byte(Set), byte(Run):
		return MessageType(b)
	default:
		return Unknown
	}
}

func (t MessageType) String() string {
	switch t {
	case Ping:
		return "ping"
	case Pong:
		return "pong"
	case Set:
		return "set"
	case Run:
		return "run"
	default:
		return "unknown"
	}
}

// Message is one parsed or to-be-signed protocol frame.
type Message struct {
	MAC      net.HardwareAddr
	UnixTime uint32
	Type     MessageType
	Payload  []byte
}

// PeekMACAddress extracts just the MAC from a buffer without fully parsing
// it or checking its signature; buffers shorter than a minimal full frame
// are rejected with ErrMessageTooShort. Used by the server to
// decide which device's secret to verify against before full parsing.
func PeekMACAddress(buf []byte) (net.HardwareAddr, error) {
	if len(buf) < minFullSize {
		return nil, ErrMessageTooShort
	}
	mac := net.HardwareAddr(append([]byte(nil), buf[:macSize]...))
	if len(mac) != macSize {
		return nil, ErrMacAddressInvalid
	}
	return mac, nil
}

// FromBuffer parses and verifies a wire frame against key, using a
// constant-time HMAC comparison (spec.md §4.7).
func FromBuffer(buf []byte, key []byte) (*Message, error) {
	if len(buf) < minFullSize {
		return nil, ErrMessageTooShort
	}

	dataSize := len(buf) - hmacSize
	signed := buf[:dataSize]
	provided := buf[dataSize:]

	mac := hmac.New(sha1.New, key)
	mac.Write(signed)
	expected := mac.Sum(nil)

	if !hmac.Equal(expected, provided) {
		return nil, ErrSignatureInvalid
	}

	macAddr := net.HardwareAddr(append([]byte(nil), buf[:macSize]...))
	unixTime := binary.LittleEndian.Uint32(buf[macSize : macSize+timeSize])
	msgType := messageTypeFrom(buf[macSize+timeSize])

	var payload []byte
	if payloadLen := dataSize - headerSize; payloadLen > 0 {
		payload = append([]byte(nil), buf[headerSize:headerSize+payloadLen]...)
	}

	return &Message{
		MAC:      macAddr,
		UnixTime: unixTime,
		Type:     msgType,
		Payload:  payload,
	}, nil
}

// Signed serialises and HMAC-signs the message: header || payload || hmac.
func (m *Message) Signed(key []byte) ([]byte, error) {
	if len(m.MAC) != macSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrMacAddressInvalid, len(m.MAC))
	}

	buf := make([]byte, 0, headerSize+len(m.Payload)+hmacSize)
	buf = append(buf, m.MAC...)

	var timeBuf [timeSize]byte
	binary.LittleEndian.PutUint32(timeBuf[:], m.UnixTime)
	buf = append(buf, timeBuf[:]...)

	buf = append(buf, byte(m.Type))
	buf = append(buf, m.Payload...)

	mac := hmac.New(sha1.New, key)
	mac.Write(buf)
	sig := mac.Sum(nil)

	return append(buf, sig...), nil
}

// ZeroMAC is the all-zeros MAC address used on server-originated Pong
// frames (spec.md §4.8 step 5), which don't identify a specific device.
func ZeroMAC() net.HardwareAddr {
	return net.HardwareAddr(make([]byte, macSize))
}
