package eventtranslator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/onkernel/cdp-relay/internal/events"
	"github.com/onkernel/cdp-relay/internal/protocol"
	"github.com/onkernel/cdp-relay/internal/store"
)

type fakeWS struct{}

func (fakeWS) WriteJSON(v any) error           { return nil }
func (fakeWS) Close(code int, reason string) error { return nil }

type fakeSender struct {
	calls []string
}

func (f *fakeSender) SendToExtension(ctx context.Context, extID, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	f.calls = append(f.calls, method)
	return json.RawMessage(`{}`), nil
}

type fakeBroadcaster struct {
	events []protocol.DriverEvent
}

func (f *fakeBroadcaster) BroadcastEvent(extID string, ev protocol.DriverEvent) {
	f.events = append(f.events, ev)
}

func setup(t *testing.T) (*store.Store, *Translator, *fakeSender, *fakeBroadcaster) {
	st := store.New()
	st.Update(store.AddExtension("e1", "profile:p1", store.ExtensionInfo{}, fakeWS{}, time.Now()))
	bus := events.New()
	sender := &fakeSender{}
	broadcaster := &fakeBroadcaster{}
	tr := New(st, bus, sender, broadcaster, nil)
	return st, tr, sender, broadcaster
}

func attachedParams(t *testing.T, sessionID, targetID, typ, url, parentFrameID string, waiting bool) protocol.ForwardCDPEventParams {
	body, err := json.Marshal(map[string]any{
		"sessionId":          sessionID,
		"parentFrameId":      parentFrameID,
		"waitingForDebugger": waiting,
		"targetInfo": map[string]any{
			"targetId": targetID,
			"type":     typ,
			"url":      url,
		},
	})
	require.NoError(t, err)
	return protocol.ForwardCDPEventParams{Method: "Target.attachedToTarget", SessionID: sessionID, Params: body}
}

func TestBasicAttachFansOut(t *testing.T) {
	_, tr, _, bc := setup(t)
	ev := attachedParams(t, "pw-tab-1", "T1", "page", "https://a", "", false)
	tr.HandleForwardedEvent(context.Background(), "e1", ev)

	require.Len(t, bc.events, 1)
	require.Equal(t, "Target.attachedToTarget", bc.events[0].Method)
	require.Equal(t, "pw-tab-1", bc.events[0].SessionID)
}

func TestRestrictedTargetSuppressedAndRunIfWaiting(t *testing.T) {
	st, tr, sender, bc := setup(t)
	ev := attachedParams(t, "X", "T2", "page", "chrome://newtab/", "", true)
	tr.HandleForwardedEvent(context.Background(), "e1", ev)

	// give the background runIfWaitingForDebugger goroutine a moment
	require.Eventually(t, func() bool { return len(sender.calls) == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, "forwardCDPCommand", sender.calls[0])
	require.Empty(t, bc.events)

	ext := st.GetState().Extensions["e1"]
	require.Empty(t, ext.ConnectedTargets, "restricted target must not be stored")
}

func TestIframeReparenting(t *testing.T) {
	st, tr, _, bc := setup(t)

	// Page target T1 on pw-tab-1
	tr.HandleForwardedEvent(context.Background(), "e1", attachedParams(t, "pw-tab-1", "T1", "page", "https://a", "", false))
	bc.events = nil

	// frame F1 attaches to that page, then navigates
	frameAttached, _ := json.Marshal(map[string]any{"frameId": "F1", "parentFrameId": "F0"})
	tr.HandleForwardedEvent(context.Background(), "e1", protocol.ForwardCDPEventParams{Method: "Page.frameAttached", SessionID: "pw-tab-1", Params: frameAttached})

	navigated, _ := json.Marshal(map[string]any{"frame": map[string]any{"id": "F1", "parentId": "F0", "url": "https://a/iframe"}})
	tr.HandleForwardedEvent(context.Background(), "e1", protocol.ForwardCDPEventParams{Method: "Page.frameNavigated", SessionID: "pw-tab-1", Params: navigated})

	target := st.GetState().Extensions["e1"].ConnectedTargets["pw-tab-1"]
	require.Contains(t, target.FrameIDs, "F1")

	// iframe target attaches under its own session, parented to F1
	bc.events = nil
	tr.HandleForwardedEvent(context.Background(), "e1", attachedParams(t, "pw-tab-2", "T3", "iframe", "https://a/iframe", "F1", false))

	require.Len(t, bc.events, 1)
	require.Equal(t, "pw-tab-1", bc.events[0].SessionID, "iframe attach must be delivered on the page's session")

	var params map[string]any
	require.NoError(t, json.Unmarshal(bc.events[0].Params, &params))
	require.Equal(t, "pw-tab-2", params["sessionId"])
}

func TestIframeReparentingFallsBackWhenFrameUnknown(t *testing.T) {
	_, tr, _, bc := setup(t)
	tr.HandleForwardedEvent(context.Background(), "e1", attachedParams(t, "pw-tab-1", "T1", "page", "https://a", "", false))
	bc.events = nil

	// iframe attaches before any Page.frameAttached for its parent arrived
	tr.HandleForwardedEvent(context.Background(), "e1", attachedParams(t, "pw-tab-2", "T3", "iframe", "https://a/iframe", "F-unknown", false))

	require.Len(t, bc.events, 1)
	require.Equal(t, "pw-tab-2", bc.events[0].SessionID, "must fall back to the incoming session id, not block")
}

func TestDetachRemovesTarget(t *testing.T) {
	st, tr, _, _ := setup(t)
	tr.HandleForwardedEvent(context.Background(), "e1", attachedParams(t, "pw-tab-1", "T1", "page", "https://a", "", false))
	require.Len(t, st.GetState().Extensions["e1"].ConnectedTargets, 1)

	detachParams, _ := json.Marshal(map[string]any{"sessionId": "pw-tab-1"})
	tr.HandleForwardedEvent(context.Background(), "e1", protocol.ForwardCDPEventParams{Method: "Target.detachedFromTarget", SessionID: "pw-tab-1", Params: detachParams})
	require.Empty(t, st.GetState().Extensions["e1"].ConnectedTargets)
}

func TestNavigatedWithinDocumentUpdatesURL(t *testing.T) {
	st, tr, _, _ := setup(t)
	tr.HandleForwardedEvent(context.Background(), "e1", attachedParams(t, "pw-tab-1", "T1", "page", "https://a", "", false))

	navParams, _ := json.Marshal(map[string]any{"url": "https://a/changed"})
	tr.HandleForwardedEvent(context.Background(), "e1", protocol.ForwardCDPEventParams{Method: "Page.navigatedWithinDocument", SessionID: "pw-tab-1", Params: navParams})

	require.Equal(t, "https://a/changed", st.GetState().Extensions["e1"].ConnectedTargets["pw-tab-1"].TargetInfo.URL)
}
