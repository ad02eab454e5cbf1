// Package extensionsession owns per-extension WebSocket I/O: the
// request/response pipeline the rest of the Core uses to talk to an
// extension, the inbound dispatch loop, and the keep-alive ping.
package extensionsession

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/nrednav/cuid2"

	"github.com/onkernel/cdp-relay/internal/events"
	"github.com/onkernel/cdp-relay/internal/logging"
	"github.com/onkernel/cdp-relay/internal/protocol"
	"github.com/onkernel/cdp-relay/internal/store"
	"github.com/onkernel/cdp-relay/internal/wsconn"
)

const pingInterval = 5 * time.Second

// Config gates the /extension upgrade: the remote address
// must be loopback and, when an Origin header is present, it must name
// an allow-listed extension id.
type Config struct {
	AllowedExtensionIDs []string
}

// EventHandler receives CDP events the extension forwards from an
// attached tab.
type EventHandler interface {
	HandleForwardedEvent(ctx context.Context, extID string, ev protocol.ForwardCDPEventParams)
}

// RecordingHandler is the out-of-scope recording collaborator seam: the
// Core only needs to hand off these payloads, not interpret them.
type RecordingHandler interface {
	HandleRecordingData(extID string, params json.RawMessage)
	HandleRecordingCancelled(extID string, params json.RawMessage)
	HandleBinaryFrame(extID string, data []byte)
}

// Manager owns every live extension connection and is the sole writer of
// extension-directed WebSocket frames.
type Manager struct {
	store     *store.Store
	bus       *events.Bus
	events    EventHandler
	recording RecordingHandler
	timeout   time.Duration
	cfg       Config
}

// New constructs a Manager. timeout bounds every outbound
// sendToExtension call absent a per-call override.
func New(st *store.Store, bus *events.Bus, eh EventHandler, rh RecordingHandler, timeout time.Duration, cfg Config) *Manager {
	return &Manager{store: st, bus: bus, events: eh, recording: rh, timeout: timeout, cfg: cfg}
}

// SetEventHandler wires the event translator after construction: the
// translator itself depends on this Manager as its ExtensionSender, so
// the two are tied together once both exist rather than at New time.
func (m *Manager) SetEventHandler(eh EventHandler) {
	m.events = eh
}

// originAllowed reports whether an Origin header names an allow-listed
// extension. ServeHTTP calls it only when an Origin header is present; a
// request without an Origin header is not checked against the allow-list
// and passes this gate.
func (m *Manager) originAllowed(origin string) bool {
	const prefix = "chrome-extension://"
	if !strings.HasPrefix(origin, prefix) {
		return false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(origin, prefix), "/")
	for _, allowed := range m.cfg.AllowedExtensionIDs {
		if allowed == id {
			return true
		}
	}
	return false
}

func isLoopbackRemoteAddr(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ServeHTTP implements the /extension gates: loopback remote
// address, allow-listed chrome-extension:// origin when an Origin header
// is present (a request without one is not rejected), then upgrades and
// runs the connection via Accept. It blocks for the connection's
// lifetime.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	if !isLoopbackRemoteAddr(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	origin := r.Header.Get("Origin")
	if origin != "" && !m.originAllowed(origin) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	info := store.ExtensionInfo{
		Browser:   r.URL.Query().Get("browser"),
		Email:     r.URL.Query().Get("email"),
		ProfileID: r.URL.Query().Get("id"),
		Version:   r.URL.Query().Get("v"),
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		log.Error("extension websocket accept failed", "err", err)
		return
	}
	ws.SetReadLimit(32 * 1024 * 1024)

	m.Accept(r.Context(), ws, info)
}

// nextConnectionID hands out a collision-resistant fallback identity for
// extensions that supply no stable metadata at all.
func (m *Manager) nextConnectionID() string {
	return cuid2.Generate()
}

// Accept registers a newly upgraded extension connection, runs its
// keep-alive and read loop until the socket closes, and performs the
// teardown sequence. It blocks for the lifetime of the connection.
func (m *Manager) Accept(ctx context.Context, ws *websocket.Conn, info store.ExtensionInfo) {
	log := logging.FromContext(ctx)
	conn := wsconn.New(ws)
	connectionID := m.nextConnectionID()
	stableKey := info.StableKey(connectionID)
	extID := connectionID

	prev, hadPredecessor := store.FindExtensionByStableKey(m.store.GetState(), stableKey)

	m.store.Update(store.AddExtension(extID, stableKey, info, conn, time.Now()))
	m.bus.Emit(events.KindExtensionConnected, map[string]string{"id": extID, "stableKey": stableKey})
	log.Info("extension connected", "id", extID, "stableKey", stableKey)

	// Rebind any clients still bound to the predecessor before closing its
	// socket: this must happen as one atomic step so a command dispatched
	// between the predecessor's close and its own teardown running never
	// resolves against a dead connection (spec §5, §8 property 7).
	if hadPredecessor && prev.WS != nil {
		m.store.Update(store.RebindClientsToExtension(prev.ID, extID))
		m.bus.Emit(events.KindClientRebound, map[string]string{"from": prev.ID, "to": extID})
		_ = prev.WS.Close(4001, "Extension Replaced")
		m.bus.Emit(events.KindExtensionReplaced, map[string]string{"previousId": prev.ID, "nextId": extID})
	}

	pingCtx, stopPing := context.WithCancel(ctx)
	go m.pingLoop(pingCtx, extID, conn)

	m.readLoop(ctx, extID, conn)
	stopPing()

	m.teardown(extID)
}

func (m *Manager) pingLoop(ctx context.Context, extID string, conn *wsconn.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = conn.WriteJSON(protocol.NewPing())
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, extID string, conn *wsconn.Conn) {
	log := logging.FromContext(ctx)
	for {
		mt, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if mt == websocket.MessageBinary {
			if m.recording != nil {
				m.recording.HandleBinaryFrame(extID, data)
			}
			continue
		}

		var inbound protocol.ExtensionInbound
		if err := json.Unmarshal(data, &inbound); err != nil {
			_ = conn.Close(1000, "Invalid JSON")
			return
		}
		m.dispatchInbound(ctx, extID, inbound, log)
	}
}

func (m *Manager) dispatchInbound(ctx context.Context, extID string, inbound protocol.ExtensionInbound, log *slog.Logger) {
	if inbound.ID != nil {
		m.resolvePending(extID, *inbound.ID, inbound.Result, inbound.Error)
		return
	}

	switch inbound.Method {
	case "pong":
		return
	case "log":
		var p protocol.LogParams
		_ = json.Unmarshal(inbound.Params, &p)
		logAtLevel(log, extID, p)
	case "recordingData":
		if m.recording != nil {
			m.recording.HandleRecordingData(extID, inbound.Params)
		}
	case "recordingCancelled":
		if m.recording != nil {
			m.recording.HandleRecordingCancelled(extID, inbound.Params)
		}
	case "forwardCDPEvent":
		var p protocol.ForwardCDPEventParams
		if err := json.Unmarshal(inbound.Params, &p); err != nil {
			return
		}
		m.bus.Emit(events.KindCDPEvent, map[string]any{"extensionId": extID, "method": p.Method, "sessionId": p.SessionID})
		if m.events != nil {
			m.events.HandleForwardedEvent(ctx, extID, p)
		}
	default:
		log.Warn("unhandled extension message", "method", inbound.Method)
	}
}

func (m *Manager) resolvePending(extID string, id int64, result json.RawMessage, errMsg string) {
	ext, ok := m.store.GetState().Extensions[extID]
	if !ok {
		return
	}
	pending, ok := ext.PendingRequests[id]
	if !ok {
		return
	}
	m.store.Update(store.RemoveExtensionPendingRequest(extID, id))
	var err error
	if errMsg != "" {
		err = fmt.Errorf("%s", errMsg)
	}
	select {
	case pending.ResultCh <- store.PendingResult{Result: result, Err: err}:
	default:
	}
}

// SendToExtension implements the outbound request/response pipeline: it
// resolves the extension, allocates a message id, registers the pending
// entry, writes the frame, and waits for either a result, a timeout, or
// context cancellation.
func (m *Manager) SendToExtension(ctx context.Context, extID, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	state := m.store.GetState()
	ext, ok := state.Extensions[extID]
	if !ok || ext.WS == nil {
		return nil, fmt.Errorf("Extension not connected")
	}

	if timeout <= 0 {
		timeout = m.timeout
	}

	state = m.store.Update(store.IncrementExtensionMessageID(extID))
	ext = state.Extensions[extID]
	msgID := ext.NextMessageID

	resultCh := make(chan store.PendingResult, 1)
	m.store.Update(store.AddExtensionPendingRequest(extID, msgID, store.PendingRequest{Method: method, ResultCh: resultCh}))

	paramsRaw, err := json.Marshal(params)
	if err != nil {
		m.store.Update(store.RemoveExtensionPendingRequest(extID, msgID))
		return nil, err
	}
	frame := protocol.ExtensionOutboundRequest{ID: msgID, Method: method, Params: json.RawMessage(paramsRaw)}

	if err := ext.WS.WriteJSON(frame); err != nil {
		m.store.Update(store.RemoveExtensionPendingRequest(extID, msgID))
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-resultCh:
		return res.Result, res.Err
	case <-timer.C:
		m.store.Update(store.RemoveExtensionPendingRequest(extID, msgID))
		return nil, fmt.Errorf("Extension request timeout after %dms: %s", timeout.Milliseconds(), method)
	case <-ctx.Done():
		m.store.Update(store.RemoveExtensionPendingRequest(extID, msgID))
		return nil, ctx.Err()
	}
}

// teardown implements the per-socket close sequence: reject pending
// requests, rebind or close bound clients, remove the entry.
func (m *Manager) teardown(extID string) {
	state := m.store.GetState()
	ext, ok := state.Extensions[extID]
	if !ok {
		return
	}

	for _, pending := range ext.PendingRequests {
		select {
		case pending.ResultCh <- store.PendingResult{Err: fmt.Errorf("Extension connection closed")}:
		default:
		}
	}
	m.store.Update(store.ClearExtensionPendingRequests(extID))

	successor, hasSuccessor := findLiveSuccessor(m.store.GetState(), ext.StableKey, extID)
	if hasSuccessor {
		m.store.Update(store.RebindClientsToExtension(extID, successor.ID))
		m.bus.Emit(events.KindClientRebound, map[string]string{"from": extID, "to": successor.ID})
	} else {
		for _, client := range m.store.GetState().PlaywrightClients {
			if client.ExtensionID == extID && client.WS != nil {
				_ = client.WS.Close(1000, "Extension disconnected")
			}
		}
	}

	m.store.Update(store.RemoveExtension(extID))
	m.store.Update(store.RemoveClientsForExtension(extID))
	m.bus.Emit(events.KindExtensionDisconnected, map[string]string{"id": extID})
}

func findLiveSuccessor(s store.RelayState, stableKey, excludeID string) (store.ExtensionEntry, bool) {
	var best store.ExtensionEntry
	found := false
	for id, e := range s.Extensions {
		if id == excludeID || e.StableKey != stableKey || e.WS == nil {
			continue
		}
		if !found || e.Seq > best.Seq {
			best, found = e, true
		}
	}
	return best, found
}

func logAtLevel(log *slog.Logger, extID string, p protocol.LogParams) {
	args := make([]any, 0, len(p.Args)+2)
	args = append(args, "extensionId", extID)
	for _, a := range p.Args {
		args = append(args, "arg", a)
	}
	switch p.Level {
	case "error":
		log.Error("extension log", args...)
	case "warn":
		log.Warn("extension log", args...)
	case "debug":
		log.Debug("extension log", args...)
	default:
		log.Info("extension log", args...)
	}
}
