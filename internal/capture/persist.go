package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rejourney/replay-agent/pkg/model"
)

func pendingFramesDir(cacheDir, sessionID string) string {
	return filepath.Join(cacheDir, "rj_pending", sessionID, "frames")
}

// persistFramesToDisk writes each in-memory frame to
// <cacheDir>/rj_pending/<sessionId>/frames/<tsMs>.jpeg so they survive a
// crash between halt and the next successful upload.
func persistFramesToDisk(cacheDir, sessionID string, frames []model.Frame) error {
	dir := pendingFramesDir(cacheDir, sessionID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	for _, f := range frames {
		path := filepath.Join(dir, fmt.Sprintf("%d.jpeg", f.CapturedAtMs))
		if err := os.WriteFile(path, f.JPEG, 0600); err != nil {
			return err
		}
	}
	return nil
}

// reloadPendingSessions walks <cacheDir>/rj_pending for leftover frame
// directories from a prior process, returning one time-sorted frame slice
// per session directory found.
func reloadPendingSessions(cacheDir string) (map[string][]model.Frame, error) {
	root := filepath.Join(cacheDir, "rj_pending")
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out := make(map[string][]model.Frame)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sessionID := e.Name()
		framesDir := filepath.Join(root, sessionID, "frames")
		frameFiles, err := os.ReadDir(framesDir)
		if err != nil {
			continue
		}

		var frames []model.Frame
		for _, ff := range frameFiles {
			if ff.IsDir() {
				continue
			}
			var tsMs int64
			if _, err := fmt.Sscanf(ff.Name(), "%d.jpeg", &tsMs); err != nil {
				continue
			}
			data, err := os.ReadFile(filepath.Join(framesDir, ff.Name()))
			if err != nil {
				continue
			}
			frames = append(frames, model.Frame{CapturedAtMs: tsMs, JPEG: data})
		}
		if len(frames) > 0 {
			sort.Slice(frames, func(i, j int) bool { return frames[i].CapturedAtMs < frames[j].CapturedAtMs })
			out[sessionID] = frames
		}
	}
	return out, nil
}

// clearPendingFrames removes a session's pending frames directory once its
// reloaded frames have been packaged and handed off. The rest of the
// session directory (the event log) is left to the event buffer.
func clearPendingFrames(cacheDir, sessionID string) error {
	return os.RemoveAll(pendingFramesDir(cacheDir, sessionID))
}
