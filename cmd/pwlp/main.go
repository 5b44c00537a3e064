// Command pwlp dispatches to the compiler, disassembler, server, and
// client subcommands. Subcommand dispatch follows the teacher's
// cmd/asm68, cmd/dis68 and cmd/run68 idiom: manual os.Args inspection,
// no subcommand framework.
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/golang/glog"

	"pwlp/client"
	"pwlp/config"
	"pwlp/httpapi"
	"pwlp/parser"
	"pwlp/program"
	"pwlp/server"
	"pwlp/strip"
	"pwlp/vm"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <compile|disassemble|run|serve|client> ...\n", os.Args[0])
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	var err error
	switch os.Args[1] {
	case "compile":
		err = runCompile(os.Args[2:])
	case "disassemble":
		err = runDisassemble(os.Args[2:])
	case "run":
		err = runProgram(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	case "client":
		err = runClient(os.Args[2:])
	default:
		usage()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func runCompile(args []string) error {
	asText := false
	if len(args) > 0 && args[0] == "-text" {
		asText = true
		args = args[1:]
	}
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: compile [-text] <sourcefile> [outputfile]")
	}
	src, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading source file: %w", err)
	}

	p, err := parser.Compile(string(src))
	if err != nil {
		return fmt.Errorf("compiling: %w", err)
	}

	if asText {
		disasm := program.Disassemble(p.Code)
		if len(args) == 2 {
			return os.WriteFile(args[1], []byte(disasm), 0o644)
		}
		fmt.Print(disasm)
		return nil
	}

	if len(args) == 2 {
		return os.WriteFile(args[1], p.Code, 0o644)
	}
	for i, b := range p.Code {
		fmt.Printf("%02X ", b)
		if (i+1)%16 == 0 {
			fmt.Println()
		}
	}
	fmt.Println()
	return nil
}

func runDisassemble(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: disassemble <inputfile> [outputfile]")
	}
	code, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading input file: %w", err)
	}

	out := program.FromBinary(code)
	disasm := program.Disassemble(out.Code)

	if len(args) == 2 {
		return os.WriteFile(args[1], []byte(disasm), 0o644)
	}
	fmt.Print(disasm)
	return nil
}

// runProgram runs a compiled or source program against an in-memory strip,
// tracing pixel output to stdout on every Blit, resuming after each yield
// until it ends or maxframes (default 60) slices have run.
func runProgram(args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return fmt.Errorf("usage: run <sourcefile|binfile> <length> [maxframes]")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading program file: %w", err)
	}

	var p *program.Program
	if looksLikeSource(data) {
		p, err = parser.Compile(string(data))
		if err != nil {
			return fmt.Errorf("compiling: %w", err)
		}
	} else {
		p = program.FromBinary(data)
	}

	var length int
	if _, err := fmt.Sscanf(args[1], "%d", &length); err != nil {
		return fmt.Errorf("parsing length: %w", err)
	}

	maxFrames := 60
	if len(args) == 3 {
		if _, err := fmt.Sscanf(args[2], "%d", &maxFrames); err != nil {
			return fmt.Errorf("parsing maxframes: %w", err)
		}
	}

	s := strip.NewDummyStrip(uint32(length), true)
	state := vm.New(p, s)

	for frame := 0; frame < maxFrames; frame++ {
		outcome, err := state.Run(nil)
		if err != nil {
			return fmt.Errorf("vm error at pc=%d: %w", state.PC, err)
		}
		if outcome == vm.Ended {
			return nil
		}
	}
	return nil
}

// looksLikeSource is a crude heuristic: treat anything containing a
// newline, a space or an '=' within the first 32 bytes as source text, and
// everything else as compiled bytecode.
func looksLikeSource(data []byte) bool {
	for i := 0; i < len(data) && i < 32; i++ {
		if data[i] == '\n' || data[i] == ' ' || data[i] == '=' {
			return true
		}
	}
	return false
}

func runServe(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: serve <configfile>")
	}
	cfg, err := config.LoadServerConfig(args[0])
	if err != nil {
		return err
	}

	defaultProgram := program.New()
	if cfg.DefaultProgram != "" {
		defaultProgram, err = program.FromFile(cfg.DefaultProgram)
		if err != nil {
			return fmt.Errorf("loading default program: %w", err)
		}
	}

	devices := make(map[string]server.DeviceConfig, len(cfg.Devices))
	for mac, dev := range cfg.Devices {
		devices[mac] = server.DeviceConfig{Secret: dev.Secret, Program: dev.Program}
	}

	srv := server.New(devices, cfg.DefaultSecret, defaultProgram)

	api, err := httpapi.New(srv)
	if err != nil {
		return fmt.Errorf("building http api: %w", err)
	}
	go func() {
		glog.Infof("http observation api listening on %s", cfg.HTTPAddress)
		if err := http.ListenAndServe(cfg.HTTPAddress, api.Handler()); err != nil {
			glog.Errorf("http api stopped: %v", err)
		}
	}()

	return srv.Run(cfg.BindAddress)
}

func runClient(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: client <configfile>")
	}
	cfg, err := config.LoadClientConfig(args[0])
	if err != nil {
		return err
	}

	s := strip.NewDummyStrip(60, false)

	c := &client.Client{
		Strip:         s,
		Secret:        []byte(cfg.Secret),
		MAC:           localMAC(),
		FPSLimit:      cfg.FPSLimit,
		Deterministic: cfg.Deterministic,
	}
	return c.Run(cfg.BindAddress, cfg.ServerAddress)
}

func localMAC() net.HardwareAddr {
	ifaces, err := net.Interfaces()
	if err != nil {
		return make(net.HardwareAddr, 6)
	}
	for _, iface := range ifaces {
		if len(iface.HardwareAddr) == 6 {
			return iface.HardwareAddr
		}
	}
	return make(net.HardwareAddr, 6)
}
