package capture

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"

	"github.com/rejourney/replay-agent/pkg/model"
)

// encodeBundle serializes frames into the wire format: repeated
// u64(relativeTimestampMs) u32(jpegLen) jpeg-bytes, concatenated and
// gzipped. Filename follows the dispatcher's naming convention.
func encodeBundle(sessionID string, sessionEpochMs int64, frames []model.Frame) (data []byte, filename string, err error) {
	if len(frames) == 0 {
		return nil, "", fmt.Errorf("capture: encodeBundle called with no frames")
	}

	var raw bytes.Buffer
	for _, f := range frames {
		rel := f.CapturedAtMs - sessionEpochMs
		if rel < 0 {
			rel = 0
		}
		if err := binary.Write(&raw, binary.BigEndian, uint64(rel)); err != nil {
			return nil, "", err
		}
		if err := binary.Write(&raw, binary.BigEndian, uint32(len(f.JPEG))); err != nil {
			return nil, "", err
		}
		raw.Write(f.JPEG)
	}

	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	if _, err := w.Write(raw.Bytes()); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	lastTs := frames[len(frames)-1].CapturedAtMs
	return gz.Bytes(), fmt.Sprintf("%s-%d.tar.gz", sessionID, lastTs), nil
}

// decodeBundle reverses encodeBundle's framing, used by tests to assert the
// wire format round-trips. The returned frames carry the session-relative
// timestamps stored in the bundle, not absolute capture times.
func decodeBundle(gzipped []byte) ([]model.Frame, error) {
	r, err := gzip.NewReader(bytes.NewReader(gzipped))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var raw bytes.Buffer
	if _, err := raw.ReadFrom(r); err != nil {
		return nil, err
	}

	var frames []model.Frame
	buf := raw.Bytes()
	for len(buf) > 0 {
		if len(buf) < 12 {
			return nil, fmt.Errorf("capture: truncated bundle header")
		}
		rel := binary.BigEndian.Uint64(buf[0:8])
		jpegLen := binary.BigEndian.Uint32(buf[8:12])
		buf = buf[12:]
		if uint32(len(buf)) < jpegLen {
			return nil, fmt.Errorf("capture: truncated bundle frame")
		}
		jpeg := make([]byte, jpegLen)
		copy(jpeg, buf[:jpegLen])
		buf = buf[jpegLen:]
		frames = append(frames, model.Frame{CapturedAtMs: int64(rel), JPEG: jpeg})
	}
	return frames, nil
}
