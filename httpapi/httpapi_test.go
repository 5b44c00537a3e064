package httpapi_test

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pwlp/httpapi"
	"pwlp/program"
	"pwlp/protocol"
	"pwlp/server"
)

func newTestAPI(t *testing.T) (*httpapi.API, *server.Server) {
	t.Helper()
	srv := server.New(map[string]server.DeviceConfig{}, "defaultsecret", program.New())
	api, err := httpapi.New(srv)
	if err != nil {
		t.Fatalf("building api: %v", err)
	}
	return api, srv
}

func TestIndexWithNoDevicesReturnsEmptyMap(t *testing.T) {
	api, _ := newTestAPI(t)
	ts := httptest.NewServer(api.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body struct {
		Devices map[string]server.DeviceStatus `json:"devices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(body.Devices) != 0 {
		t.Fatalf("expected no devices, got %v", body.Devices)
	}
}

func TestUnknownDeviceReturns404(t *testing.T) {
	api, _ := newTestAPI(t)
	ts := httptest.NewServer(api.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/aa:bb:cc:dd:ee:ff")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestOffPushesProgramToKnownDevice(t *testing.T) {
	api, srv := newTestAPI(t)

	udpAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("resolving: %v", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	defer conn.Close()

	done := make(chan error, 1)
	go func() { done <- srv.Serve(conn) }()

	devClient, err := net.DialUDP("udp", nil, conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	defer devClient.Close()

	mac, _ := net.ParseMAC("aa:bb:cc:dd:ee:03")
	ping := &protocol.Message{MAC: mac, UnixTime: 1, Type: protocol.Ping}
	wire, err := ping.Signed([]byte("defaultsecret"))
	if err != nil {
		t.Fatalf("signing ping: %v", err)
	}
	if _, err := devClient.Write(wire); err != nil {
		t.Fatalf("writing ping: %v", err)
	}

	devClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1500)
	// Drain pong and run.
	if _, err := devClient.Read(buf); err != nil {
		t.Fatalf("reading pong: %v", err)
	}
	if _, err := devClient.Read(buf); err != nil {
		t.Fatalf("reading run: %v", err)
	}

	ts := httptest.NewServer(api.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/" + mac.String() + "/off")
	if err != nil {
		t.Fatalf("get off: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	n, err := devClient.Read(buf)
	if err != nil {
		t.Fatalf("reading off program: %v", err)
	}
	offMsg, err := protocol.FromBuffer(buf[:n], []byte("defaultsecret"))
	if err != nil {
		t.Fatalf("parsing off message: %v", err)
	}
	if offMsg.Type != protocol.Run {
		t.Fatalf("expected Run, got %v", offMsg.Type)
	}
	if len(offMsg.Payload) == 0 {
		t.Fatal("expected a non-empty off program payload")
	}

	conn.Close()
	<-done
}
