// Package httpapi implements the read-only device observation surface and
// the off-switch helper from original_source/src/pwlp/api.rs, explicitly
// outside the core bytecode/protocol layer (spec.md §1, §4.8). It is a
// thin stdlib net/http layer over a *server.Server snapshot; no HTTP
// framework appears anywhere in the retrieval pack, so stdlib is the
// idiomatic choice here.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang/glog"

	"pwlp/parser"
	"pwlp/server"
)

// offProgramSource is the literal program api.rs's set_off handler
// compiles on every request; here it is compiled once at startup.
const offProgramSource = "for(n=get_length) { set_pixel(n-1,0,0,0) }; blit; yield"

// errorReply mirrors api.rs's ErrorReply shape.
type errorReply struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorReply{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Warningf("encoding response: %v", err)
	}
}

// API serves a read-only snapshot of srv's device table, plus an off
// helper that pushes an all-pixels-off program to a named device.
type API struct {
	srv        *server.Server
	offProgram []byte
}

// New compiles the off program once and returns an API wrapping srv.
func New(srv *server.Server) (*API, error) {
	p, err := parser.Compile(offProgramSource)
	if err != nil {
		return nil, err
	}
	return &API{srv: srv, offProgram: p.Code}, nil
}

// Handler returns the http.Handler serving:
//
//	GET /            -> JSON map of all known devices
//	GET /{mac}       -> JSON status of a single device
//	GET /{mac}/off   -> push the off program to that device
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", a.routeIndexOrDevice)
	return mux
}

func (a *API) routeIndexOrDevice(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(r.URL.Path, "/")
	if path == "" {
		a.getIndex(w, r)
		return
	}

	if strings.HasSuffix(path, "/off") {
		mac := strings.TrimSuffix(path, "/off")
		a.setOff(w, r, mac)
		return
	}

	a.getDevice(w, r, path)
}

func (a *API) getIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, struct {
		Devices map[string]server.DeviceStatus `json:"devices"`
	}{Devices: a.srv.Snapshot()})
}

func (a *API) getDevice(w http.ResponseWriter, r *http.Request, mac string) {
	status, ok := a.srv.Snapshot()[mac]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "device not found")
		return
	}
	writeJSON(w, status)
}

func (a *API) setOff(w http.ResponseWriter, r *http.Request, mac string) {
	if _, ok := a.srv.Snapshot()[mac]; !ok {
		writeError(w, http.StatusNotFound, "not_found", "device not found")
		return
	}
	if err := a.srv.PushProgram(mac, a.offProgram); err != nil {
		writeError(w, http.StatusBadGateway, "network_error", err.Error())
		return
	}
	writeJSON(w, struct{}{})
}
