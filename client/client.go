// Package client implements the client session (C9): a network task that
// keeps a device's UDP session alive and receives programs, and a VM task
// that runs the current program in instruction-bounded slices, paced to a
// configured frame rate.
package client

import (
	"fmt"
	"net"
	"time"

	"github.com/golang/glog"

	"pwlp/program"
	"pwlp/protocol"
	"pwlp/strip"
	"pwlp/vm"
)

// instructionsPerSlice bounds how many opcodes the VM task runs before
// checking for a replacement program (spec.md §4.9).
const instructionsPerSlice = 1000

// pingInterval is how often the network task re-pings the server to keep
// the session alive and request a (possibly new) program.
const pingInterval = 30 * time.Second

// Client runs the two cooperating tasks described in spec.md §4.9 against
// one strip, authenticating with secret.
type Client struct {
	Strip         strip.Strip
	Secret        []byte
	MAC           net.HardwareAddr
	FPSLimit      int // 0 means unbounded
	Deterministic bool
}

// Run binds bindAddress, dials serverAddress, and drives the client's two
// tasks until the network task's socket fails or ctx-less process exit.
// It blocks until an unrecoverable socket error occurs.
func (c *Client) Run(bindAddress, serverAddress string) error {
	localAddr, err := net.ResolveUDPAddr("udp", bindAddress)
	if err != nil {
		return fmt.Errorf("resolving bind address: %w", err)
	}
	remoteAddr, err := net.ResolveUDPAddr("udp", serverAddress)
	if err != nil {
		return fmt.Errorf("resolving server address: %w", err)
	}
	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return fmt.Errorf("binding udp socket: %w", err)
	}
	defer conn.Close()

	programs := make(chan *program.Program, 1)
	errs := make(chan error, 1)

	go c.networkTask(conn, remoteAddr, programs, errs)
	go c.vmTask(programs)

	return <-errs
}

// networkTask pings the server every pingInterval, polling for replies
// with a 1s receive timeout in between, and forwards any Run payload's
// program onto programs.
func (c *Client) networkTask(conn *net.UDPConn, remoteAddr *net.UDPAddr, programs chan<- *program.Program, errs chan<- error) {
	conn.SetReadDeadline(time.Now().Add(1 * time.Second))

	lastPing := time.Time{}
	buf := make([]byte, 1500)

	for {
		if time.Since(lastPing) >= pingInterval {
			if err := c.sendPing(conn, remoteAddr); err != nil {
				glog.Warningf("sending ping: %v", err)
			}
			lastPing = time.Now()
		}

		conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, err := conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			errs <- fmt.Errorf("reading from udp socket: %w", err)
			return
		}

		msg, err := protocol.FromBuffer(buf[:n], c.Secret)
		if err != nil {
			glog.Warningf("dropping frame: %v", err)
			continue
		}

		switch msg.Type {
		case protocol.Run:
			if len(msg.Payload) == 0 {
				programs <- program.New()
			} else {
				programs <- program.FromBinary(msg.Payload)
			}
		case protocol.Pong, protocol.Ping, protocol.Set, protocol.Unknown:
			// Ignored (spec.md §4.9).
		}
	}
}

func (c *Client) sendPing(conn *net.UDPConn, remoteAddr *net.UDPAddr) error {
	ping := &protocol.Message{MAC: c.MAC, UnixTime: uint32(time.Now().Unix()), Type: protocol.Ping}
	wire, err := ping.Signed(c.Secret)
	if err != nil {
		return fmt.Errorf("signing ping: %w", err)
	}
	_, err = conn.WriteToUDP(wire, remoteAddr)
	return err
}

// vmTask maintains the current program slot and runs it in bounded
// slices, pacing YIELDs to FPSLimit and blocking on programs whenever the
// current program ends, errors, or exhausts the global instruction quota.
func (c *Client) vmTask(programs <-chan *program.Program) {
	current := <-programs

	for {
		state := c.newState(current)
		current = nil

		var frameInterval time.Duration
		if c.FPSLimit > 0 {
			frameInterval = time.Second / time.Duration(c.FPSLimit)
		}
		lastYield := time.Now()

		running := true
		for running {
			limit := uint64(instructionsPerSlice)
			outcome, err := state.Run(&limit)

			select {
			case next := <-programs:
				current = next
				running = false
				continue
			default:
			}

			switch outcome {
			case vm.LocalInstructionLimitReached:
				// Continue on the next cycle.
			case vm.Yielded:
				if frameInterval > 0 {
					elapsed := time.Since(lastYield)
					if elapsed < frameInterval {
						time.Sleep(frameInterval - elapsed)
					}
					lastYield = time.Now()
				}
			case vm.Ended, vm.GlobalInstructionLimitReached:
				current = <-programs
				running = false
			case vm.Error:
				glog.Warningf("vm error at pc=%d: %v, awaiting next program", state.PC, err)
				current = <-programs
				running = false
			}
		}
	}
}

func (c *Client) newState(p *program.Program) *vm.State {
	if c.Deterministic {
		return vm.NewDeterministic(p, c.Strip)
	}
	return vm.New(p, c.Strip)
}
