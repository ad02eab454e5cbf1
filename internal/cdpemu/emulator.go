// Package cdpemu synthesizes the small subset of the Chrome DevTools
// Protocol a driver needs answered locally (browser/target plumbing) and
// forwards everything else verbatim to the owning extension.
package cdpemu

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/onkernel/cdp-relay/internal/events"
	"github.com/onkernel/cdp-relay/internal/protocol"
	"github.com/onkernel/cdp-relay/internal/relayerr"
	"github.com/onkernel/cdp-relay/internal/store"
)

const runtimeEnableWait = 3 * time.Second

// ExtensionSender is the outbound pipeline to the owning extension,
// satisfied by *extensionsession.Manager.
type ExtensionSender interface {
	SendToExtension(ctx context.Context, extID, method string, params any, timeout time.Duration) (json.RawMessage, error)
}

// Result is what Dispatch returns: the CDP result for the calling
// command plus zero or more synthesized events to deliver to the same
// driver before the command response.
type Result struct {
	Result json.RawMessage
	Events []protocol.DriverEvent
}

// Emulator implements the locally handled CDP methods.
type Emulator struct {
	store               *store.Store
	bus                 *events.Bus
	sender              ExtensionSender
	allowedExtensionIDs []string
	autoCreateTab       bool
	version             string
}

// Config configures an Emulator.
type Config struct {
	AllowedExtensionIDs []string
	AutoCreateTab       bool
	Version             string
}

// New constructs an Emulator.
func New(st *store.Store, bus *events.Bus, sender ExtensionSender, cfg Config) *Emulator {
	v := cfg.Version
	if v == "" {
		v = "1.0.0"
	}
	return &Emulator{store: st, bus: bus, sender: sender, allowedExtensionIDs: cfg.AllowedExtensionIDs, autoCreateTab: cfg.AutoCreateTab, version: v}
}

// Dispatch runs method against the given driver-bound extension and
// session, handling the emulated subset locally and forwarding
// everything else.
func (e *Emulator) Dispatch(ctx context.Context, extID, sessionID, method string, params json.RawMessage) (Result, error) {
	switch method {
	case "Browser.getVersion":
		return e.browserGetVersion()
	case "Browser.setDownloadBehavior":
		return Result{Result: json.RawMessage(`{}`)}, nil
	case "Target.setAutoAttach":
		if sessionID != "" {
			return e.forward(ctx, extID, sessionID, method, params)
		}
		return e.targetSetAutoAttach(ctx, extID, params)
	case "Target.setDiscoverTargets":
		return e.targetSetDiscoverTargets(extID, params)
	case "Target.attachToTarget":
		return e.targetAttachToTarget(extID, params)
	case "Target.getTargetInfo":
		return e.targetGetTargetInfo(extID, sessionID, params)
	case "Target.getTargets":
		return e.targetGetTargets(extID)
	case "Runtime.enable":
		return e.runtimeEnable(ctx, extID, sessionID, params)
	default:
		return e.forward(ctx, extID, sessionID, method, params)
	}
}

func (e *Emulator) forward(ctx context.Context, extID, sessionID, method string, params json.RawMessage) (Result, error) {
	fwd := protocol.ForwardCDPCommandParams{SessionID: sessionID, Method: method, Params: params}
	raw, err := e.sender.SendToExtension(ctx, extID, "forwardCDPCommand", fwd, 0)
	if err != nil {
		return Result{}, err
	}
	return Result{Result: raw}, nil
}

func (e *Emulator) browserGetVersion() (Result, error) {
	body, _ := json.Marshal(map[string]string{
		"protocolVersion": "1.3",
		"product":         "Chrome/CDPRelay",
		"revision":        "@cdp-relay",
		"userAgent":       "Mozilla/5.0 (CDP Relay)",
		"jsVersion":       "12.0",
	})
	return Result{Result: body}, nil
}

func (e *Emulator) visibleTargets(extID string) (store.ExtensionEntry, []store.ConnectedTarget) {
	ext := e.store.GetState().Extensions[extID]
	return ext, store.VisibleTargets(ext, e.allowedExtensionIDs)
}

func (e *Emulator) targetSetAutoAttach(ctx context.Context, extID string, params json.RawMessage) (Result, error) {
	if _, err := e.sender.SendToExtension(ctx, extID, "forwardCDPCommand",
		protocol.ForwardCDPCommandParams{Method: "Target.setAutoAttach", Params: params}, 0); err != nil {
		return Result{}, err
	}

	ext, visible := e.visibleTargets(extID)
	if e.autoCreateTab && len(visible) == 0 {
		if err := e.createInitialTab(ctx, extID); err != nil {
			return Result{}, fmt.Errorf("auto-create initial tab: %w", err)
		}
		ext, visible = e.visibleTargets(extID)
	}
	_ = ext

	var out []protocol.DriverEvent
	for _, t := range visible {
		out = append(out, attachedToTargetEvent(t, false))
	}
	return Result{Result: json.RawMessage(`{}`), Events: out}, nil
}

func (e *Emulator) createInitialTab(ctx context.Context, extID string) error {
	createRaw, err := e.sender.SendToExtension(ctx, extID, "forwardCDPCommand",
		protocol.ForwardCDPCommandParams{Method: "Target.createTarget", Params: json.RawMessage(`{"url":"about:blank"}`)}, 0)
	if err != nil {
		return err
	}
	var created struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(createRaw, &created); err != nil || created.TargetID == "" {
		return fmt.Errorf("extension did not return a targetId")
	}

	attachRaw, err := e.sender.SendToExtension(ctx, extID, "forwardCDPCommand",
		protocol.ForwardCDPCommandParams{Method: "Target.attachToTarget", Params: mustMarshal(map[string]any{"targetId": created.TargetID, "flatten": true})}, 0)
	if err != nil {
		return err
	}
	var attached struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(attachRaw, &attached); err != nil || attached.SessionID == "" {
		return fmt.Errorf("extension did not return a sessionId")
	}

	e.store.Update(store.AddTarget(extID, store.TargetInfo{
		TargetID: created.TargetID,
		Type:     "page",
		URL:      "about:blank",
		Attached: true,
	}, attached.SessionID))
	return nil
}

func (e *Emulator) targetSetDiscoverTargets(extID string, params json.RawMessage) (Result, error) {
	var req struct {
		Discover bool `json:"discover"`
	}
	_ = json.Unmarshal(params, &req)
	if !req.Discover {
		return Result{Result: json.RawMessage(`{}`)}, nil
	}

	_, visible := e.visibleTargets(extID)
	var out []protocol.DriverEvent
	for _, t := range visible {
		out = append(out, targetCreatedEvent(t))
	}
	return Result{Result: json.RawMessage(`{}`), Events: out}, nil
}

func (e *Emulator) targetAttachToTarget(extID string, params json.RawMessage) (Result, error) {
	var req struct {
		TargetID string `json:"targetId"`
	}
	_ = json.Unmarshal(params, &req)

	ext := e.store.GetState().Extensions[extID]
	for _, t := range ext.ConnectedTargets {
		if t.TargetID == req.TargetID {
			body, _ := json.Marshal(map[string]string{"sessionId": t.SessionID})
			return Result{Result: body, Events: []protocol.DriverEvent{attachedToTargetEvent(t, false)}}, nil
		}
	}
	return Result{}, relayerr.New(relayerr.KindNoTarget, fmt.Sprintf("No target with id %s", req.TargetID))
}

func (e *Emulator) targetGetTargetInfo(extID, sessionID string, params json.RawMessage) (Result, error) {
	var req struct {
		TargetID  string `json:"targetId"`
		SessionID string `json:"sessionId"`
	}
	_ = json.Unmarshal(params, &req)

	ext := e.store.GetState().Extensions[extID]
	var found *store.ConnectedTarget
	switch {
	case req.TargetID != "":
		for _, t := range ext.ConnectedTargets {
			if t.TargetID == req.TargetID {
				tc := t
				found = &tc
			}
		}
	case req.SessionID != "":
		if t, ok := ext.ConnectedTargets[req.SessionID]; ok {
			found = &t
		}
	case sessionID != "":
		if t, ok := ext.ConnectedTargets[sessionID]; ok {
			found = &t
		}
	default:
		for _, t := range ext.ConnectedTargets {
			tc := t
			found = &tc
			break
		}
	}
	if found == nil {
		return Result{}, relayerr.New(relayerr.KindNoTarget, "No target found")
	}
	info := found.TargetInfo
	info.Attached = true
	body, _ := json.Marshal(map[string]any{"targetInfo": info})
	return Result{Result: body}, nil
}

func (e *Emulator) targetGetTargets(extID string) (Result, error) {
	_, visible := e.visibleTargets(extID)
	infos := make([]store.TargetInfo, 0, len(visible))
	for _, t := range visible {
		info := t.TargetInfo
		info.Attached = true
		infos = append(infos, info)
	}
	body, _ := json.Marshal(map[string]any{"targetInfos": infos})
	return Result{Result: body}, nil
}

func (e *Emulator) runtimeEnable(ctx context.Context, extID, sessionID string, params json.RawMessage) (Result, error) {
	waitCh := make(chan struct{}, 1)
	unsub := e.bus.Subscribe(executionContextCreatedHandler(extID, sessionID, waitCh))
	defer unsub()

	res, err := e.forward(ctx, extID, sessionID, "Runtime.enable", params)
	if err != nil {
		return Result{}, err
	}

	timer := time.NewTimer(runtimeEnableWait)
	defer timer.Stop()
	select {
	case <-waitCh:
	case <-timer.C:
	case <-ctx.Done():
	}
	return res, nil
}

// executionContextCreatedHandler builds a bus handler that signals
// waitCh the first time it observes a Runtime.executionContextCreated
// event for the given extension/session pair.
func executionContextCreatedHandler(extID, sessionID string, waitCh chan struct{}) events.Handler {
	return func(ev events.Event) {
		if ev.Kind != events.KindCDPEvent {
			return
		}
		m, ok := ev.Payload.(map[string]any)
		if !ok {
			return
		}
		if m["extensionId"] != extID || m["sessionId"] != sessionID {
			return
		}
		if m["method"] != "Runtime.executionContextCreated" {
			return
		}
		select {
		case waitCh <- struct{}{}:
		default:
		}
	}
}

func attachedToTargetEvent(t store.ConnectedTarget, serverGenerated bool) protocol.DriverEvent {
	info := t.TargetInfo
	info.Attached = true
	body, _ := json.Marshal(map[string]any{
		"sessionId":        t.SessionID,
		"targetInfo":       info,
		"waitingForDebugger": info.WaitingForDebugger,
	})
	return protocol.DriverEvent{Method: "Target.attachedToTarget", SessionID: t.SessionID, Params: body, ServerGenerated: serverGenerated}
}

func targetCreatedEvent(t store.ConnectedTarget) protocol.DriverEvent {
	info := t.TargetInfo
	info.Attached = true
	body, _ := json.Marshal(map[string]any{"targetInfo": info})
	return protocol.DriverEvent{Method: "Target.targetCreated", Params: body, ServerGenerated: true}
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
