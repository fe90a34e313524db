// Package model holds the wire and on-disk data types shared by every
// recording-engine component. It has no dependency on internal/* so that
// components and the public orchestrator can both import it without a
// cycle.
package model

import "time"

// Session identifies one continuous recording period.
type Session struct {
	SessionID        string
	ProjectID        string
	APIToken         string
	UploadCredential string
	IsSampledIn      bool
	SessionEpochMs   int64
}

// Event is a structured, self-describing record. The ordered JSONL
// concatenation of Events in the EventBuffer is the canonical
// reconstruction of non-visual session activity.
type Event struct {
	Type        string         `json:"type"`
	TimestampMs int64          `json:"timestampMs"`
	SessionID   string         `json:"sessionId"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Event type constants.
const (
	EventTap           = "tap"
	EventSwipe         = "swipe"
	EventScroll        = "scroll"
	EventPan           = "pan"
	EventPinch         = "pinch"
	EventRotation      = "rotation"
	EventLongPress     = "longPress"
	EventRageTap       = "rageTap"
	EventDeadTap       = "deadTap"
	EventInput         = "input"
	EventViewTransition = "viewTransition"
	EventNetwork       = "network"
	EventANR           = "anr"
	EventSessionStart  = "sessionStart"
	EventKeyboard      = "keyboard"
)

// Incident category constants.
const (
	IncidentException = "exception"
	IncidentANR       = "anr"
)

// Incident is a single crash or ANR record, persisted separately from
// events so the crash path touches one small atomic document.
type Incident struct {
	SessionID   string            `json:"sessionId"`
	TimestampMs int64             `json:"timestampMs"`
	Category    string            `json:"category"`
	Identifier  string            `json:"identifier"`
	Detail      string            `json:"detail"`
	Frames      []string          `json:"frames"`
	Context     map[string]string `json:"context,omitempty"`
}

// FrameBundle is an ordered sequence of captured frames awaiting upload.
type FrameBundle struct {
	SessionID string
	Frames    []Frame
}

// Frame is a single captured, already-JPEG-encoded screenshot.
type Frame struct {
	CapturedAtMs int64
	JPEG         []byte
}

// HierarchySnapshot carries a serialized view tree for click/hover mapping.
type HierarchySnapshot struct {
	SessionID   string `json:"sessionId"`
	ScreenName  string `json:"screenName"`
	CapturedAt  int64  `json:"capturedAtMs"`
	Root        any    `json:"root"`
	RootElement any    `json:"rootElement,omitempty"`
}

// Tallies are per-session counters used by the server-side retention
// decision. All fields are read/written through atomics by callers; the
// struct itself holds plain ints for the snapshot handed to the network
// layer.
type Tallies struct {
	Taps     int64 `json:"taps"`
	RageTaps int64 `json:"rageTaps"`
	DeadTaps int64 `json:"deadTaps"`
	Gestures int64 `json:"gestures"`
	Faults   int64 `json:"faults"`
	Stalled  int64 `json:"stalled"`
}

// SDKTelemetry is the monotonic per-session upload-health snapshot embedded
// in every confirm and session-end call.
type SDKTelemetry struct {
	UploadSuccessCount     int64   `json:"uploadSuccessCount"`
	UploadFailureCount     int64   `json:"uploadFailureCount"`
	UploadRetryCount       int64   `json:"uploadRetryCount"`
	CircuitBreakerOpenCount int64  `json:"circuitBreakerOpenCount"`
	MemoryEvictionCount    int64   `json:"memoryEvictionCount"`
	OfflinePersistCount    int64   `json:"offlinePersistCount"`
	BytesUploaded          int64   `json:"bytesUploaded"`
	TotalBytesEvicted      int64   `json:"totalBytesEvicted"`
	AvgUploadDurationMs    float64 `json:"avgUploadDurationMs"`
	QueueDepth             int     `json:"queueDepth"`
	LastUploadAtMs         int64   `json:"lastUploadAtMs,omitempty"`
	LastRetryAtMs          int64   `json:"lastRetryAtMs,omitempty"`
}

// UploadKind enumerates the three payload kinds the dispatcher ships.
type UploadKind string

const (
	KindScreenshots UploadKind = "screenshots"
	KindHierarchy   UploadKind = "hierarchy"
	KindEvents      UploadKind = "events"
)

// PendingUpload is an in-memory (and retry-queue) record of one upload
// attempt. Owned exclusively by the dispatcher.
type PendingUpload struct {
	SessionID   string
	ContentType UploadKind
	Payload     []byte
	RangeStart  int64
	RangeEnd    int64
	ItemCount   int
	Attempt     int
	BatchNumber int64
}

// RetentionDecision is the server's response to evaluateReplayRetention.
type RetentionDecision struct {
	Promoted bool   `json:"promoted"`
	Reason   string `json:"reason"`
}

// NowMs returns t as milliseconds since the Unix epoch, used throughout the
// module so every timestamp is consistently derived.
func NowMs(t time.Time) int64 {
	return t.UnixMilli()
}
