package store

import "github.com/samber/lo"

// FindExtensionByStableKey returns the newest ExtensionEntry (highest Seq)
// whose StableKey matches key.
func FindExtensionByStableKey(s RelayState, key string) (ExtensionEntry, bool) {
	matches := lo.Filter(lo.Values(s.Extensions), func(e ExtensionEntry, _ int) bool {
		return e.StableKey == key
	})
	if len(matches) == 0 {
		return ExtensionEntry{}, false
	}
	newest := matches[0]
	for _, e := range matches[1:] {
		if e.Seq > newest.Seq {
			newest = e
		}
	}
	return newest, true
}

// FindExtensionIDByCDPSession returns the extension that owns the given
// CDP sessionId.
func FindExtensionIDByCDPSession(s RelayState, sessionID string) (string, bool) {
	for id, ext := range s.Extensions {
		if _, ok := ext.ConnectedTargets[sessionID]; ok {
			return id, true
		}
	}
	return "", false
}

// VisibleTargets returns the non-restricted targets of an extension: the
// set that's safe to hand to a driver via Target.getTargets or the
// discovery HTTP surface.
func VisibleTargets(ext ExtensionEntry, allowedExtensionIDs []string) []ConnectedTarget {
	return lo.Filter(lo.Values(ext.ConnectedTargets), func(t ConnectedTarget, _ int) bool {
		return !t.IsRestricted(allowedExtensionIDs)
	})
}
