package protocol

import "encoding/json"

// ExtensionInbound is the shape the Core parses off any text frame
// arriving from the extension. Not every field is populated for every
// method; callers switch on Method (request-response frames carry no
// Method, only an ID).
type ExtensionInbound struct {
	ID     *int64          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ForwardCDPEventParams is the payload of a "forwardCDPEvent" inbound
// message.
type ForwardCDPEventParams struct {
	Method    string          `json:"method"`
	SessionID string          `json:"sessionId,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// LogParams is the payload of a "log" inbound message.
type LogParams struct {
	Level string   `json:"level"`
	Args  []string `json:"args"`
}

// ExtensionOutboundRequest is one outbound request frame sent to the
// extension, e.g. method "forwardCDPCommand".
type ExtensionOutboundRequest struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// ForwardCDPCommandParams is the params of an outbound
// "forwardCDPCommand" request.
type ForwardCDPCommandParams struct {
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	Source    string          `json:"source,omitempty"`
}

// Ping is the outbound keep-alive frame.
type Ping struct {
	Method string `json:"method"`
}

// NewPing builds the keep-alive frame sent every 5s.
func NewPing() Ping {
	return Ping{Method: "ping"}
}

// ExtensionQueryInfo is the set of query parameters the extension
// supplies at /extension upgrade time, mapped onto ExtensionInfo.
type ExtensionQueryInfo struct {
	Browser string
	Email   string
	Profile string
	Version string
}
