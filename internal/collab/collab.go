// Package collab defines the seam to the one out-of-scope collaborator
// the Core's WebSocket plumbing must hand payloads to without
// interpreting them: the recording (screen/tab-capture) pipeline. CLI
// code-execution sessions and the extension UI are other out-of-scope
// collaborators, but the Core only needs to gate their HTTP routes
// (internal/httpapi), not hand them typed payloads, so they need no
// interface here.
package collab

import "encoding/json"

// Recorder receives the recording-related frames an extension sends
// over its WebSocket. A real implementation lives outside the Core;
// NoopRecorder satisfies the interface for configurations that don't
// wire one in.
type Recorder interface {
	HandleRecordingData(extensionID string, params json.RawMessage)
	HandleRecordingCancelled(extensionID string, params json.RawMessage)
	HandleBinaryFrame(extensionID string, data []byte)
}

// NoopRecorder discards everything. It exists so extensionsession.Manager
// always has a non-nil RecordingHandler to call.
type NoopRecorder struct{}

func (NoopRecorder) HandleRecordingData(string, json.RawMessage)      {}
func (NoopRecorder) HandleRecordingCancelled(string, json.RawMessage) {}
func (NoopRecorder) HandleBinaryFrame(string, []byte)                 {}
