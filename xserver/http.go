// Package xserver exposes device status and the recovery journal over
// HTTP, as JSON, for operators debugging a hang.
package xserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/SamuelBayliss/xdna-driver/xdevice"
	"github.com/SamuelBayliss/xdna-driver/xstore"
)

type HTTPServer struct {
	done chan struct{}

	addr net.Addr
}

type HTTPServerConfig struct {
	Listener net.Listener

	Devices []*xdevice.Device

	// Store serves the recovery journal routes.
	// When nil, each device's own store is consulted instead.
	Store xstore.RecoveryStore
}

func NewHTTPServer(ctx context.Context, log *slog.Logger, cfg HTTPServerConfig) *HTTPServer {
	srv := &http.Server{
		Handler: newMux(log, cfg),

		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	h := &HTTPServer{
		done: make(chan struct{}),
		addr: cfg.Listener.Addr(),
	}
	go h.serve(log, cfg.Listener, srv)
	go h.waitForShutdown(ctx, srv)

	return h
}

func (h *HTTPServer) Wait() {
	<-h.done
}

// Addr reports the bound listener address,
// useful when the configured listener was bound to port zero.
func (h *HTTPServer) Addr() net.Addr { return h.addr }

func (h *HTTPServer) waitForShutdown(ctx context.Context, srv *http.Server) {
	select {
	case <-h.done:
		// h.serve returned on its own, nothing left to do here.
		return
	case <-ctx.Done():
		// Forceful shutdown; in-flight status requests are cheap to drop.
		_ = srv.Close()
	}
}

func (h *HTTPServer) serve(log *slog.Logger, ln net.Listener, srv *http.Server) {
	defer close(h.done)

	if err := srv.Serve(ln); err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
			log.Info("HTTP server shutting down")
		} else {
			log.Info("HTTP server shutting down due to error", "err", err)
		}
	}
}

func newMux(log *slog.Logger, cfg HTTPServerConfig) http.Handler {
	h := statusHandler{
		log:   log,
		store: cfg.Store,

		devices: make(map[string]*xdevice.Device, len(cfg.Devices)),
		names:   make([]string, 0, len(cfg.Devices)),
	}
	for _, d := range cfg.Devices {
		h.devices[d.Name()] = d
		h.names = append(h.names, d.Name())
	}

	r := mux.NewRouter()

	r.HandleFunc("/devices", h.HandleDevices).Methods("GET")
	r.HandleFunc("/devices/{device}", h.HandleDeviceStatus).Methods("GET")
	r.HandleFunc("/devices/{device}/contexts", h.HandleDeviceContexts).Methods("GET")
	r.HandleFunc("/devices/{device}/recoveries", h.HandleDeviceRecoveries).Methods("GET")

	return r
}

type statusHandler struct {
	log *slog.Logger

	store xstore.RecoveryStore

	devices map[string]*xdevice.Device

	// Response order for the device list follows configuration order,
	// not map iteration.
	names []string
}

func (h statusHandler) HandleDevices(w http.ResponseWriter, req *http.Request) {
	statuses := make([]xdevice.Status, 0, len(h.names))
	for _, name := range h.names {
		statuses = append(statuses, h.devices[name].Status())
	}

	if err := json.NewEncoder(w).Encode(statuses); err != nil {
		h.log.Warn("Failed to encode device list", "err", err)
	}
}

// device resolves the {device} path variable,
// writing the 404 itself when the name is unknown.
func (h statusHandler) device(w http.ResponseWriter, req *http.Request) (*xdevice.Device, bool) {
	name := mux.Vars(req)["device"]
	d, ok := h.devices[name]
	if !ok {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown device %q", name))
		return nil, false
	}
	return d, true
}

func (h statusHandler) HandleDeviceStatus(w http.ResponseWriter, req *http.Request) {
	d, ok := h.device(w, req)
	if !ok {
		return
	}

	if err := json.NewEncoder(w).Encode(d.Status()); err != nil {
		h.log.Warn("Failed to encode device status", "device", d.Name(), "err", err)
	}
}

func (h statusHandler) HandleDeviceContexts(w http.ResponseWriter, req *http.Request) {
	d, ok := h.device(w, req)
	if !ok {
		return
	}

	contexts := d.Status().Contexts
	if contexts == nil {
		contexts = []xdevice.ContextStatus{}
	}

	if err := json.NewEncoder(w).Encode(contexts); err != nil {
		h.log.Warn("Failed to encode context statuses", "device", d.Name(), "err", err)
	}
}

func (h statusHandler) HandleDeviceRecoveries(w http.ResponseWriter, req *http.Request) {
	d, ok := h.device(w, req)
	if !ok {
		return
	}

	store := h.store
	if store == nil {
		store = d.Store()
	}
	if store == nil {
		writeJSONError(w, http.StatusNotFound, "no recovery journal configured")
		return
	}

	limit := 0
	if q := req.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}

	events, err := store.LoadRecoveryEvents(req.Context(), d.Name(), limit)
	if err != nil {
		h.log.Warn("Failed to load recovery events", "device", d.Name(), "err", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to load recovery events")
		return
	}
	if events == nil {
		events = []xstore.RecoveryEvent{}
	}

	if err := json.NewEncoder(w).Encode(events); err != nil {
		h.log.Warn("Failed to encode recovery events", "device", d.Name(), "err", err)
	}
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
