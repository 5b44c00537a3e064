// Package server implements the UDP receive loop (C8): per-device state,
// PING/PONG handshake, and handing devices their bytecode program.
package server

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/golang/glog"

	"pwlp/program"
	"pwlp/protocol"
)

// DeviceConfig is per-device configuration: an optional secret overriding
// the server's default, and an optional program file overriding the
// server's default program (spec.md SUPPLEMENTED FEATURES).
type DeviceConfig struct {
	Secret  string
	Program string
}

// DeviceStatus is what the server tracks about a device it has heard from.
type DeviceStatus struct {
	Address        net.Addr
	CurrentProgram []byte
	Secret         string
	LastSeen       time.Time
}

// Server holds per-device configuration, live device status, and the
// default secret/program used for devices with no specific override.
type Server struct {
	devices        map[string]DeviceConfig
	defaultSecret  string
	defaultProgram *program.Program

	mu     sync.Mutex
	status map[string]DeviceStatus
	conn   *net.UDPConn
}

// New returns a Server ready to Run. devices is keyed by canonical MAC
// string (net.HardwareAddr.String()).
func New(devices map[string]DeviceConfig, defaultSecret string, defaultProgram *program.Program) *Server {
	return &Server{
		devices:        devices,
		defaultSecret:  defaultSecret,
		defaultProgram: defaultProgram,
		status:         make(map[string]DeviceStatus),
	}
}

// Snapshot returns a copy of the current device status table, safe to read
// concurrently with Run — the companion HTTP observation surface uses this
// (spec.md SUPPLEMENTED FEATURES).
func (s *Server) Snapshot() map[string]DeviceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]DeviceStatus, len(s.status))
	for k, v := range s.status {
		out[k] = v
	}
	return out
}

// Run binds bindAddress and serves UDP datagrams until the socket errors
// or the process is killed. Single-threaded: one datagram is fully
// handled before the next recv (spec.md §4.8).
func (s *Server) Run(bindAddress string) error {
	addr, err := net.ResolveUDPAddr("udp", bindAddress)
	if err != nil {
		return fmt.Errorf("resolving bind address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("binding udp socket: %w", err)
	}
	defer conn.Close()

	glog.Infof("server listening on %s", bindAddress)
	return s.Serve(conn)
}

// Serve runs the receive loop over an already-bound socket, until it
// returns an error (including from being closed). Exposed separately from
// Run so tests can drive the loop over a loopback socket they control.
func (s *Server) Serve(conn *net.UDPConn) error {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	buf := make([]byte, 1500)
	for {
		n, sourceAddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return fmt.Errorf("reading from udp socket: %w", err)
		}
		s.handleDatagram(conn, buf[:n], sourceAddr)
	}
}

func (s *Server) handleDatagram(conn *net.UDPConn, datagram []byte, sourceAddr *net.UDPAddr) {
	mac, err := protocol.PeekMACAddress(datagram)
	if err != nil {
		glog.Warningf("%s: error reading mac address: %v", sourceAddr, err)
		return
	}
	canonicalMAC := mac.String()

	deviceConfig, hasConfig := s.devices[canonicalMAC]
	secret := s.defaultSecret
	if hasConfig && deviceConfig.Secret != "" {
		secret = deviceConfig.Secret
	}

	msg, err := protocol.FromBuffer(datagram, []byte(secret))
	if err != nil {
		glog.Warningf("%s error %v (size=%db mac=%s)", sourceAddr, err, len(datagram), canonicalMAC)
		return
	}

	s.touchDevice(canonicalMAC, sourceAddr)

	switch msg.Type {
	case protocol.Ping:
		s.handlePing(conn, msg, sourceAddr, canonicalMAC, deviceConfig, hasConfig, []byte(secret))
	case protocol.Pong, protocol.Set, protocol.Run:
		// Ignored (spec.md §4.8 step 6).
	default:
		// Unknown: ignored.
	}
}

func (s *Server) touchDevice(mac string, sourceAddr *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := s.status[mac]
	status.Address = sourceAddr
	status.LastSeen = time.Now()
	s.status[mac] = status
}

func (s *Server) handlePing(conn *net.UDPConn, msg *protocol.Message, sourceAddr *net.UDPAddr, canonicalMAC string, deviceConfig DeviceConfig, hasConfig bool, secret []byte) {
	pong := &protocol.Message{
		MAC:      protocol.ZeroMAC(),
		UnixTime: msg.UnixTime,
		Type:     protocol.Pong,
	}
	wire, err := pong.Signed(secret)
	if err != nil {
		glog.Errorf("signing pong for %s: %v", canonicalMAC, err)
		return
	}
	if _, err := conn.WriteToUDP(wire, sourceAddr); err != nil {
		glog.Warningf("send pong to %s failed: %v", sourceAddr, err)
	}

	deviceProgram, err := s.chosenProgram(canonicalMAC, deviceConfig, hasConfig)
	if err != nil {
		glog.Errorf("loading program for %s: %v", canonicalMAC, err)
		return
	}

	run := &protocol.Message{
		MAC:      protocol.ZeroMAC(),
		UnixTime: msg.UnixTime,
		Type:     protocol.Run,
		Payload:  deviceProgram.Code,
	}
	runWire, err := run.Signed(secret)
	if err != nil {
		glog.Errorf("signing run for %s: %v", canonicalMAC, err)
		return
	}
	if _, err := conn.WriteToUDP(runWire, sourceAddr); err != nil {
		glog.Warningf("send run to %s failed: %v", sourceAddr, err)
		return
	}

	s.mu.Lock()
	status := s.status[canonicalMAC]
	status.CurrentProgram = deviceProgram.Code
	status.Secret = string(secret)
	s.status[canonicalMAC] = status
	s.mu.Unlock()
}

// PushProgram signs payload as a Run message and sends it to the given
// canonical MAC's last known address, using its recorded secret (falling
// back to the server's default). Used by the companion HTTP observation
// surface's off-switch helper (spec.md SUPPLEMENTED FEATURES). Returns an
// error if the device hasn't been seen yet or the socket isn't bound.
func (s *Server) PushProgram(canonicalMAC string, payload []byte) error {
	s.mu.Lock()
	status, ok := s.status[canonicalMAC]
	conn := s.conn
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("server: unknown device %s", canonicalMAC)
	}
	if conn == nil {
		return fmt.Errorf("server: socket not bound yet")
	}
	addr, ok := status.Address.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("server: no known address for %s", canonicalMAC)
	}

	secret := status.Secret
	if secret == "" {
		secret = s.defaultSecret
	}

	run := &protocol.Message{MAC: protocol.ZeroMAC(), UnixTime: uint32(time.Now().Unix()), Type: protocol.Run, Payload: payload}
	wire, err := run.Signed([]byte(secret))
	if err != nil {
		return fmt.Errorf("signing off program: %w", err)
	}
	if _, err := conn.WriteToUDP(wire, addr); err != nil {
		return fmt.Errorf("sending off program: %w", err)
	}

	s.mu.Lock()
	status.CurrentProgram = payload
	s.status[canonicalMAC] = status
	s.mu.Unlock()
	return nil
}

// chosenProgram picks the bytecode to hand a device on Ping: its current
// in-memory program if one was already assigned, else its configured
// program file, else the server's default (spec.md §4.8 step 5).
func (s *Server) chosenProgram(canonicalMAC string, deviceConfig DeviceConfig, hasConfig bool) (*program.Program, error) {
	s.mu.Lock()
	current := s.status[canonicalMAC].CurrentProgram
	s.mu.Unlock()
	if current != nil {
		return program.FromBinary(current), nil
	}

	if hasConfig && deviceConfig.Program != "" {
		return program.FromFile(deviceConfig.Program)
	}

	return s.defaultProgram, nil
}
