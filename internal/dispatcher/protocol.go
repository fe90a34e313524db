package dispatcher

import (
	"github.com/rejourney/replay-agent/pkg/model"
)

// presignRequest is the body shared by both presign endpoints. Exactly one
// of FrameCount/EventCount is populated depending on kind.
type presignRequest struct {
	SessionID    string `json:"sessionId"`
	SizeBytes    int64  `json:"sizeBytes"`
	ContentType  string `json:"kind"`
	StartTime    int64  `json:"startTime"`
	EndTime      int64  `json:"endTime"`
	FrameCount   *int   `json:"frameCount,omitempty"`
	EventCount   *int   `json:"eventCount,omitempty"`
	Compression  string `json:"compression"`
	IsSampledIn  bool   `json:"isSampledIn"`
	BatchNumber  *int64 `json:"batchNumber,omitempty"`
}

type presignResponse struct {
	PresignedURL string `json:"presignedUrl"`
	SegmentID    string `json:"segmentId"`
	BatchID      string `json:"batchId"`
	SkipUpload   bool   `json:"skipUpload"`
}

type confirmRequest struct {
	SegmentID       string              `json:"segmentId,omitempty"`
	BatchID         string              `json:"batchId,omitempty"`
	ActualSizeBytes int64               `json:"actualSizeBytes"`
	Timestamp       int64               `json:"timestamp"`
	FrameCount      *int                `json:"frameCount,omitempty"`
	EventCount      *int                `json:"eventCount,omitempty"`
	SDKTelemetry    model.SDKTelemetry  `json:"sdkTelemetry"`
}

type sessionEndRequest struct {
	SessionID            string             `json:"sessionId"`
	EndedAt              int64              `json:"endedAt"`
	BackgroundDurationMs int64              `json:"backgroundDurationMs"`
	Metrics              model.Tallies      `json:"metrics"`
	QueueDepth           int                `json:"queueDepth"`
	SDKTelemetry         model.SDKTelemetry `json:"sdkTelemetry"`
}

type retentionRequest struct {
	SessionID string        `json:"sessionId"`
	Metrics   model.Tallies `json:"metrics"`
}

func presignPath(kind model.UploadKind) string {
	if kind == model.KindEvents {
		return "/api/ingest/presign"
	}
	return "/api/ingest/segment/presign"
}

func confirmPath(kind model.UploadKind) string {
	if kind == model.KindEvents {
		return "/api/ingest/batch/complete"
	}
	return "/api/ingest/segment/complete"
}
