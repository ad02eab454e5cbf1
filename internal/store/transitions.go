package store

import "time"

// Transition is a pure function RelayState -> RelayState. Every
// transition in this file is a no-op when its
// precondition fails, returning its input unchanged so callers never need
// to special-case "did nothing happen".
type Transition func(RelayState) RelayState

func cloneExtensions(m map[string]ExtensionEntry) map[string]ExtensionEntry {
	out := make(map[string]ExtensionEntry, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneClients(m map[string]PlaywrightClient) map[string]PlaywrightClient {
	out := make(map[string]PlaywrightClient, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneTargets(m map[string]ConnectedTarget) map[string]ConnectedTarget {
	out := make(map[string]ConnectedTarget, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneFrameIDs(m map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(m)+1)
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

// AddExtension creates a new ExtensionEntry, stamped with the next
// sequence number so "newest wins" lookups are
// well-defined. connectedAt is supplied by the caller (e.g. time.Now())
// so the transition itself stays a deterministic function of its inputs.
func AddExtension(id, stableKey string, info ExtensionInfo, ws ExtensionWriter, connectedAt time.Time) Transition {
	return func(s RelayState) RelayState {
		exts := cloneExtensions(s.Extensions)
		seq := s.nextSeq + 1
		exts[id] = ExtensionEntry{
			ID:               id,
			StableKey:        stableKey,
			Info:             info,
			ConnectedTargets: map[string]ConnectedTarget{},
			WS:               ws,
			PendingRequests:  map[int64]PendingRequest{},
			ConnectedAt:      connectedAt,
			Seq:              seq,
		}
		s.Extensions = exts
		s.nextSeq = seq
		return s
	}
}

// RemoveExtension deletes an extension entry entirely, on extension
// WebSocket close.
func RemoveExtension(id string) Transition {
	return func(s RelayState) RelayState {
		if _, ok := s.Extensions[id]; !ok {
			return s
		}
		exts := cloneExtensions(s.Extensions)
		delete(exts, id)
		s.Extensions = exts
		return s
	}
}

// RebindClientsToExtension moves every PlaywrightClient bound to from
// onto to, in a single atomic transition.
func RebindClientsToExtension(from, to string) Transition {
	return func(s RelayState) RelayState {
		changed := false
		clients := s.PlaywrightClients
		for id, c := range clients {
			if c.ExtensionID == from {
				if !changed {
					clients = cloneClients(s.PlaywrightClients)
					changed = true
				}
				c.ExtensionID = to
				clients[id] = c
			}
		}
		if changed {
			s.PlaywrightClients = clients
		}
		return s
	}
}

// UpdateExtensionIO replaces the live WS handle on an extension entry
// (e.g. nil'd out once the socket detaches but the entry lingers).
func UpdateExtensionIO(id string, ws ExtensionWriter) Transition {
	return func(s RelayState) RelayState {
		ext, ok := s.Extensions[id]
		if !ok {
			return s
		}
		ext.WS = ws
		exts := cloneExtensions(s.Extensions)
		exts[id] = ext
		s.Extensions = exts
		return s
	}
}

// IncrementExtensionMessageID bumps the monotonic outbound message id
// counter. The allocated id is ext.NextMessageID
// after this transition runs.
func IncrementExtensionMessageID(id string) Transition {
	return func(s RelayState) RelayState {
		ext, ok := s.Extensions[id]
		if !ok {
			return s
		}
		ext.NextMessageID++
		exts := cloneExtensions(s.Extensions)
		exts[id] = ext
		s.Extensions = exts
		return s
	}
}

// AddExtensionPendingRequest registers a pending request under msgID.
func AddExtensionPendingRequest(extID string, msgID int64, pending PendingRequest) Transition {
	return func(s RelayState) RelayState {
		ext, ok := s.Extensions[extID]
		if !ok {
			return s
		}
		pr := make(map[int64]PendingRequest, len(ext.PendingRequests)+1)
		for k, v := range ext.PendingRequests {
			pr[k] = v
		}
		pr[msgID] = pending
		ext.PendingRequests = pr
		exts := cloneExtensions(s.Extensions)
		exts[extID] = ext
		s.Extensions = exts
		return s
	}
}

// RemoveExtensionPendingRequest removes one pending request by id.
func RemoveExtensionPendingRequest(extID string, msgID int64) Transition {
	return func(s RelayState) RelayState {
		ext, ok := s.Extensions[extID]
		if !ok {
			return s
		}
		if _, ok := ext.PendingRequests[msgID]; !ok {
			return s
		}
		pr := make(map[int64]PendingRequest, len(ext.PendingRequests))
		for k, v := range ext.PendingRequests {
			if k != msgID {
				pr[k] = v
			}
		}
		ext.PendingRequests = pr
		exts := cloneExtensions(s.Extensions)
		exts[extID] = ext
		s.Extensions = exts
		return s
	}
}

// ClearExtensionPendingRequests removes every pending request for an
// extension. Callers that need to reject them should read
// ext.PendingRequests before calling this transition.
func ClearExtensionPendingRequests(extID string) Transition {
	return func(s RelayState) RelayState {
		ext, ok := s.Extensions[extID]
		if !ok || len(ext.PendingRequests) == 0 {
			return s
		}
		ext.PendingRequests = map[int64]PendingRequest{}
		exts := cloneExtensions(s.Extensions)
		exts[extID] = ext
		s.Extensions = exts
		return s
	}
}

// AddPlaywrightClient registers a new driver client.
func AddPlaywrightClient(id, extensionID string, ws DriverWriter) Transition {
	return func(s RelayState) RelayState {
		clients := cloneClients(s.PlaywrightClients)
		clients[id] = PlaywrightClient{ID: id, ExtensionID: extensionID, WS: ws}
		s.PlaywrightClients = clients
		return s
	}
}

// RemovePlaywrightClient deletes a driver client.
func RemovePlaywrightClient(id string) Transition {
	return func(s RelayState) RelayState {
		if _, ok := s.PlaywrightClients[id]; !ok {
			return s
		}
		clients := cloneClients(s.PlaywrightClients)
		delete(clients, id)
		s.PlaywrightClients = clients
		return s
	}
}

// RemoveClientsForExtension deletes every client bound to extensionID
//.
func RemoveClientsForExtension(extensionID string) Transition {
	return func(s RelayState) RelayState {
		changed := false
		clients := s.PlaywrightClients
		for id, c := range clients {
			if c.ExtensionID == extensionID {
				if !changed {
					clients = cloneClients(s.PlaywrightClients)
					changed = true
				}
				delete(clients, id)
			}
		}
		if changed {
			s.PlaywrightClients = clients
		}
		return s
	}
}

// AddTarget adds or updates a ConnectedTarget, preserving any frameIds
// the prior entry for the same sessionId already had.
func AddTarget(extID string, info TargetInfo, sessionID string) Transition {
	return func(s RelayState) RelayState {
		ext, ok := s.Extensions[extID]
		if !ok {
			return s
		}
		frameIDs := map[string]struct{}{}
		if prev, exists := ext.ConnectedTargets[sessionID]; exists {
			frameIDs = prev.FrameIDs
		}
		targets := cloneTargets(ext.ConnectedTargets)
		targets[sessionID] = ConnectedTarget{
			SessionID:  sessionID,
			TargetID:   info.TargetID,
			TargetInfo: info,
			FrameIDs:   frameIDs,
		}
		ext.ConnectedTargets = targets
		exts := cloneExtensions(s.Extensions)
		exts[extID] = ext
		s.Extensions = exts
		return s
	}
}

// RemoveTarget deletes a ConnectedTarget by sessionId, for
// Target.detachedFromTarget.
func RemoveTarget(extID, sessionID string) Transition {
	return func(s RelayState) RelayState {
		ext, ok := s.Extensions[extID]
		if !ok {
			return s
		}
		if _, exists := ext.ConnectedTargets[sessionID]; !exists {
			return s
		}
		targets := cloneTargets(ext.ConnectedTargets)
		delete(targets, sessionID)
		ext.ConnectedTargets = targets
		exts := cloneExtensions(s.Extensions)
		exts[extID] = ext
		s.Extensions = exts
		return s
	}
}

// RemoveTargetByCrash deletes a ConnectedTarget by targetId, for
// Target.targetCrashed.
func RemoveTargetByCrash(extID, targetID string) Transition {
	return func(s RelayState) RelayState {
		ext, ok := s.Extensions[extID]
		if !ok {
			return s
		}
		var sessionID string
		found := false
		for sid, t := range ext.ConnectedTargets {
			if t.TargetID == targetID {
				sessionID, found = sid, true
				break
			}
		}
		if !found {
			return s
		}
		targets := cloneTargets(ext.ConnectedTargets)
		delete(targets, sessionID)
		ext.ConnectedTargets = targets
		exts := cloneExtensions(s.Extensions)
		exts[extID] = ext
		s.Extensions = exts
		return s
	}
}

// UpdateTargetInfo replaces targetInfo on an existing ConnectedTarget.
// Idempotent: applying the same info twice is a no-op on the second
// call.
func UpdateTargetInfo(extID, sessionID string, info TargetInfo) Transition {
	return func(s RelayState) RelayState {
		ext, ok := s.Extensions[extID]
		if !ok {
			return s
		}
		t, exists := ext.ConnectedTargets[sessionID]
		if !exists || t.TargetInfo == info {
			return s
		}
		t.TargetInfo = info
		t.TargetID = info.TargetID
		targets := cloneTargets(ext.ConnectedTargets)
		targets[sessionID] = t
		ext.ConnectedTargets = targets
		exts := cloneExtensions(s.Extensions)
		exts[extID] = ext
		s.Extensions = exts
		return s
	}
}

// AddFrameID adds a frame id to a target's frame set, for
// Page.frameAttached/frameNavigated.
func AddFrameID(extID, sessionID, frameID string) Transition {
	return func(s RelayState) RelayState {
		ext, ok := s.Extensions[extID]
		if !ok {
			return s
		}
		t, exists := ext.ConnectedTargets[sessionID]
		if !exists {
			return s
		}
		if _, has := t.FrameIDs[frameID]; has {
			return s
		}
		frames := cloneFrameIDs(t.FrameIDs)
		frames[frameID] = struct{}{}
		t.FrameIDs = frames
		targets := cloneTargets(ext.ConnectedTargets)
		targets[sessionID] = t
		ext.ConnectedTargets = targets
		exts := cloneExtensions(s.Extensions)
		exts[extID] = ext
		s.Extensions = exts
		return s
	}
}

// RemoveFrameIDByFrame removes frameID from whichever target in extID
// currently owns it, for Page.frameDetached.
func RemoveFrameIDByFrame(extID, frameID string) Transition {
	return func(s RelayState) RelayState {
		ext, ok := s.Extensions[extID]
		if !ok {
			return s
		}
		var ownerSession string
		found := false
		for sid, t := range ext.ConnectedTargets {
			if _, has := t.FrameIDs[frameID]; has {
				ownerSession, found = sid, true
				break
			}
		}
		if !found {
			return s
		}
		t := ext.ConnectedTargets[ownerSession]
		frames := cloneFrameIDs(t.FrameIDs)
		delete(frames, frameID)
		t.FrameIDs = frames
		targets := cloneTargets(ext.ConnectedTargets)
		targets[ownerSession] = t
		ext.ConnectedTargets = targets
		exts := cloneExtensions(s.Extensions)
		exts[extID] = ext
		s.Extensions = exts
		return s
	}
}

// UpdateTargetURL updates a target's url (and optionally title) in place,
// used for Page.frameNavigated (root frame only) and
// Page.navigatedWithinDocument.
func UpdateTargetURL(extID, sessionID, url string, title *string) Transition {
	return func(s RelayState) RelayState {
		ext, ok := s.Extensions[extID]
		if !ok {
			return s
		}
		t, exists := ext.ConnectedTargets[sessionID]
		if !exists {
			return s
		}
		t.TargetInfo.URL = url
		if title != nil {
			t.TargetInfo.Title = *title
		}
		targets := cloneTargets(ext.ConnectedTargets)
		targets[sessionID] = t
		ext.ConnectedTargets = targets
		exts := cloneExtensions(s.Extensions)
		exts[extID] = ext
		s.Extensions = exts
		return s
	}
}
