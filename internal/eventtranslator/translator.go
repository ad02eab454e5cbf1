// Package eventtranslator consumes CDP events an extension forwards from
// an attached tab, mutates the relay state accordingly, and re-emits
// them to the driver clients bound to the source extension — including
// the session re-parenting iframe targets need so a driver's page model
// stays consistent.
package eventtranslator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/onkernel/cdp-relay/internal/events"
	"github.com/onkernel/cdp-relay/internal/protocol"
	"github.com/onkernel/cdp-relay/internal/store"
)

// ExtensionSender is used only to forward Runtime.runIfWaitingForDebugger
// when a newly attached target arrives paused.
type ExtensionSender interface {
	SendToExtension(ctx context.Context, extID, method string, params any, timeout time.Duration) (json.RawMessage, error)
}

// DriverBroadcaster delivers a translated event to every driver client
// bound to extID.
type DriverBroadcaster interface {
	BroadcastEvent(extID string, ev protocol.DriverEvent)
}

// Translator is the event-translator component.
type Translator struct {
	store               *store.Store
	bus                 *events.Bus
	sender              ExtensionSender
	broadcaster         DriverBroadcaster
	allowedExtensionIDs []string
}

// New constructs a Translator.
func New(st *store.Store, bus *events.Bus, sender ExtensionSender, broadcaster DriverBroadcaster, allowedExtensionIDs []string) *Translator {
	return &Translator{store: st, bus: bus, sender: sender, broadcaster: broadcaster, allowedExtensionIDs: allowedExtensionIDs}
}

// HandleForwardedEvent implements extensionsession.EventHandler.
func (t *Translator) HandleForwardedEvent(ctx context.Context, extID string, ev protocol.ForwardCDPEventParams) {
	switch ev.Method {
	case "Target.attachedToTarget":
		t.handleAttachedToTarget(ctx, extID, ev)
	case "Target.detachedFromTarget":
		t.handleDetachedFromTarget(extID, ev)
	case "Target.targetCrashed":
		t.handleTargetCrashed(extID, ev)
	case "Target.targetInfoChanged":
		t.handleTargetInfoChanged(extID, ev)
	case "Page.frameAttached":
		t.handleFrameAttached(extID, ev)
	case "Page.frameDetached":
		t.handleFrameDetached(extID, ev)
	case "Page.frameNavigated":
		t.handleFrameNavigated(extID, ev)
	case "Page.navigatedWithinDocument":
		t.handleNavigatedWithinDocument(extID, ev)
	default:
		t.forward(extID, ev)
	}
}

func (t *Translator) forward(extID string, ev protocol.ForwardCDPEventParams) {
	t.broadcaster.BroadcastEvent(extID, protocol.DriverEvent{Method: ev.Method, SessionID: ev.SessionID, Params: ev.Params})
}

type attachedToTargetParams struct {
	SessionID          string           `json:"sessionId"`
	TargetInfo         store.TargetInfo `json:"targetInfo"`
	WaitingForDebugger bool             `json:"waitingForDebugger,omitempty"`
	ParentFrameID      string           `json:"parentFrameId,omitempty"`
}

func (t *Translator) handleAttachedToTarget(ctx context.Context, extID string, ev protocol.ForwardCDPEventParams) {
	var p attachedToTargetParams
	if err := json.Unmarshal(ev.Params, &p); err != nil {
		return
	}

	if p.WaitingForDebugger {
		go func() {
			_, _ = t.sender.SendToExtension(ctx, extID, "forwardCDPCommand",
				protocol.ForwardCDPCommandParams{SessionID: p.SessionID, Method: "Runtime.runIfWaitingForDebugger"}, 0)
		}()
	}

	target := store.ConnectedTarget{SessionID: p.SessionID, TargetID: p.TargetInfo.TargetID, TargetInfo: p.TargetInfo}
	if target.IsRestricted(t.allowedExtensionIDs) {
		return
	}

	ext := t.store.GetState().Extensions[extID]
	_, existed := ext.ConnectedTargets[p.SessionID]
	t.store.Update(store.AddTarget(extID, p.TargetInfo, p.SessionID))
	if existed {
		return
	}

	outerSessionID := p.SessionID
	if p.TargetInfo.Type == "iframe" && p.ParentFrameID != "" {
		if owner, ok := findFrameOwner(ext, p.ParentFrameID); ok {
			outerSessionID = owner
		}
	}

	info := p.TargetInfo
	info.Attached = true
	body, _ := json.Marshal(map[string]any{
		"sessionId":          p.SessionID,
		"targetInfo":         info,
		"waitingForDebugger": p.WaitingForDebugger,
	})
	t.broadcaster.BroadcastEvent(extID, protocol.DriverEvent{Method: "Target.attachedToTarget", SessionID: outerSessionID, Params: body})
}

func findFrameOwner(ext store.ExtensionEntry, frameID string) (string, bool) {
	for sessionID, target := range ext.ConnectedTargets {
		if _, ok := target.FrameIDs[frameID]; ok {
			return sessionID, true
		}
	}
	return "", false
}

func (t *Translator) handleDetachedFromTarget(extID string, ev protocol.ForwardCDPEventParams) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	_ = json.Unmarshal(ev.Params, &p)
	if p.SessionID != "" {
		t.store.Update(store.RemoveTarget(extID, p.SessionID))
	}
	t.forward(extID, ev)
}

func (t *Translator) handleTargetCrashed(extID string, ev protocol.ForwardCDPEventParams) {
	var p struct {
		TargetID string `json:"targetId"`
	}
	_ = json.Unmarshal(ev.Params, &p)
	if p.TargetID != "" {
		t.store.Update(store.RemoveTargetByCrash(extID, p.TargetID))
	}
	t.forward(extID, ev)
}

func (t *Translator) handleTargetInfoChanged(extID string, ev protocol.ForwardCDPEventParams) {
	var p struct {
		TargetInfo store.TargetInfo `json:"targetInfo"`
	}
	if err := json.Unmarshal(ev.Params, &p); err == nil {
		ext := t.store.GetState().Extensions[extID]
		for sessionID, target := range ext.ConnectedTargets {
			if target.TargetID == p.TargetInfo.TargetID {
				t.store.Update(store.UpdateTargetInfo(extID, sessionID, p.TargetInfo))
				break
			}
		}
	}
	t.forward(extID, ev)
}

func (t *Translator) handleFrameAttached(extID string, ev protocol.ForwardCDPEventParams) {
	var p struct {
		FrameID string `json:"frameId"`
	}
	if err := json.Unmarshal(ev.Params, &p); err == nil && ev.SessionID != "" && p.FrameID != "" {
		t.store.Update(store.AddFrameID(extID, ev.SessionID, p.FrameID))
	}
	t.forward(extID, ev)
}

func (t *Translator) handleFrameDetached(extID string, ev protocol.ForwardCDPEventParams) {
	var p struct {
		FrameID string `json:"frameId"`
	}
	if err := json.Unmarshal(ev.Params, &p); err == nil && p.FrameID != "" {
		t.store.Update(store.RemoveFrameIDByFrame(extID, p.FrameID))
	}
	t.forward(extID, ev)
}

func (t *Translator) handleFrameNavigated(extID string, ev protocol.ForwardCDPEventParams) {
	var p struct {
		Frame struct {
			ID       string `json:"id"`
			ParentID string `json:"parentId,omitempty"`
			URL      string `json:"url"`
			Name     string `json:"name,omitempty"`
		} `json:"frame"`
	}
	if err := json.Unmarshal(ev.Params, &p); err == nil && ev.SessionID != "" && p.Frame.ID != "" {
		t.store.Update(store.AddFrameID(extID, ev.SessionID, p.Frame.ID))
		if p.Frame.ParentID == "" {
			var title *string
			if p.Frame.Name != "" {
				title = &p.Frame.Name
			}
			t.store.Update(store.UpdateTargetURL(extID, ev.SessionID, p.Frame.URL, title))
		}
	}
	t.forward(extID, ev)
}

func (t *Translator) handleNavigatedWithinDocument(extID string, ev protocol.ForwardCDPEventParams) {
	var p struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(ev.Params, &p); err == nil && ev.SessionID != "" {
		t.store.Update(store.UpdateTargetURL(extID, ev.SessionID, p.URL, nil))
	}
	t.forward(extID, ev)
}
