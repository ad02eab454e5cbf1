// Package driversession accepts driver (e.g. Playwright) WebSocket
// connections on /cdp, gates them, and runs the per-frame CDP command
// dispatch loop against the CDP emulator.
package driversession

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/onkernel/cdp-relay/internal/cdpemu"
	"github.com/onkernel/cdp-relay/internal/events"
	"github.com/onkernel/cdp-relay/internal/logging"
	"github.com/onkernel/cdp-relay/internal/protocol"
	"github.com/onkernel/cdp-relay/internal/relayerr"
	"github.com/onkernel/cdp-relay/internal/store"
	"github.com/onkernel/cdp-relay/internal/wsconn"
)

// Config gates driver connections.
type Config struct {
	AllowedExtensionIDs []string
	Token               string
}

// Manager owns every live driver connection.
type Manager struct {
	store    *store.Store
	bus      *events.Bus
	emulator *cdpemu.Emulator
	cfg      Config
}

// New constructs a Manager.
func New(st *store.Store, bus *events.Bus, emulator *cdpemu.Emulator, cfg Config) *Manager {
	return &Manager{store: st, bus: bus, emulator: emulator, cfg: cfg}
}

func (m *Manager) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	const prefix = "chrome-extension://"
	if !strings.HasPrefix(origin, prefix) {
		return false
	}
	id := strings.TrimPrefix(origin, prefix)
	id = strings.TrimSuffix(id, "/")
	for _, allowed := range m.cfg.AllowedExtensionIDs {
		if allowed == id {
			return true
		}
	}
	return false
}

// ServeHTTP implements the acceptance gates and, on success, upgrades
// and runs the connection to completion.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	if !m.originAllowed(r.Header.Get("Origin")) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	if m.cfg.Token != "" && r.URL.Query().Get("token") != m.cfg.Token {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	clientID := strings.TrimPrefix(r.URL.Path, "/cdp")
	clientID = strings.Trim(clientID, "/")
	if clientID == "" {
		clientID = "default"
	}

	extensionIDParam := r.URL.Query().Get("extensionId")
	ext, ok := store.GetExtensionConnection(m.store.GetState(), extensionIDParam, store.GetExtensionConnectionOptions{AllowFallback: true})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		log.Error("driver websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(32 * 1024 * 1024)
	wc := wsconn.New(conn)

	if !ok {
		_ = wc.Close(4003, "no extension available")
		return
	}

	if _, exists := m.store.GetState().PlaywrightClients[clientID]; exists {
		_ = wc.Close(4004, fmt.Sprintf("client id %q already connected", clientID))
		return
	}

	m.store.Update(store.AddPlaywrightClient(clientID, ext.ID, wc))
	m.bus.Emit(events.KindClientConnected, map[string]string{"clientId": clientID, "extensionId": ext.ID})
	log.Info("driver connected", "clientId", clientID, "extensionId", ext.ID)

	m.commandLoop(r.Context(), clientID, wc)

	m.store.Update(store.RemovePlaywrightClient(clientID))
	m.bus.Emit(events.KindClientDisconnected, map[string]string{"clientId": clientID})
}

func (m *Manager) commandLoop(ctx context.Context, clientID string, conn *wsconn.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var cmd protocol.DriverCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}
		m.handleCommand(ctx, clientID, cmd, conn)
	}
}

func (m *Manager) handleCommand(ctx context.Context, clientID string, cmd protocol.DriverCommand, conn *wsconn.Conn) {
	log := logging.FromContext(ctx)
	m.bus.Emit(events.KindCDPCommand, map[string]any{"clientId": clientID, "method": cmd.Method, "id": cmd.ID})

	client, ok := m.store.GetState().PlaywrightClients[clientID]
	if !ok {
		return
	}

	if client.ExtensionID == "" {
		writeOrLog(log, conn, clientID, protocol.DriverResponse{ID: cmd.ID, SessionID: cmd.SessionID, Error: &protocol.DriverError{Message: relayerr.New(relayerr.KindNoExtension, "Extension not connected").Error()}})
		return
	}

	res, err := m.emulator.Dispatch(ctx, client.ExtensionID, cmd.SessionID, cmd.Method, cmd.Params)
	for _, ev := range res.Events {
		writeOrLog(log, conn, clientID, ev)
	}

	resp := protocol.DriverResponse{ID: cmd.ID, SessionID: cmd.SessionID}
	if err != nil {
		resp.Error = &protocol.DriverError{Message: err.Error()}
	} else {
		resp.Result = res.Result
	}
	writeOrLog(log, conn, clientID, resp)
	m.bus.Emit(events.KindCDPResponse, map[string]any{"clientId": clientID, "id": cmd.ID, "ok": err == nil})
}

// writeOrLog writes a JSON frame, swallowing a failure and logging it:
// the driver may have disconnected while the response was in flight.
func writeOrLog(log *slog.Logger, conn *wsconn.Conn, clientID string, v any) {
	if err := conn.WriteJSON(v); err != nil {
		log.Debug("driver send after close", "clientId", clientID, "err", err)
	}
}

// BroadcastEvent implements eventtranslator.DriverBroadcaster: it
// delivers ev to every driver client currently bound to extID.
func (m *Manager) BroadcastEvent(extID string, ev protocol.DriverEvent) {
	for _, client := range m.store.GetState().PlaywrightClients {
		if client.ExtensionID != extID || client.WS == nil {
			continue
		}
		if err := client.WS.WriteJSON(ev); err != nil {
			continue
		}
	}
}
