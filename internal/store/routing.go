package store

// GetExtensionConnectionOptions configures GetExtensionConnection.
type GetExtensionConnectionOptions struct {
	AllowFallback bool
}

// GetExtensionConnection resolves a driver's request to a specific
// ExtensionEntry. id may be an ExtensionEntry.id, a
// stableKey, or empty. It never returns an entry without a live WS.
func GetExtensionConnection(s RelayState, id string, opts GetExtensionConnectionOptions) (ExtensionEntry, bool) {
	if id != "" {
		if ext, ok := s.Extensions[id]; ok && ext.WS != nil {
			return ext, true
		}
		if ext, ok := FindExtensionByStableKey(s, id); ok && ext.WS != nil {
			return ext, true
		}
		return ExtensionEntry{}, false
	}

	if !opts.AllowFallback {
		return ExtensionEntry{}, false
	}

	live := liveExtensions(s)
	if len(live) == 1 {
		return live[0], true
	}
	if len(live) > 1 {
		var withTargets []ExtensionEntry
		for _, e := range live {
			if len(e.ConnectedTargets) > 0 {
				withTargets = append(withTargets, e)
			}
		}
		if len(withTargets) == 1 {
			return withTargets[0], true
		}
	}
	return ExtensionEntry{}, false
}

func liveExtensions(s RelayState) []ExtensionEntry {
	var out []ExtensionEntry
	for _, e := range s.Extensions {
		if e.WS != nil {
			out = append(out, e)
		}
	}
	return out
}
