package recorder

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vomee-capture-go/internal/frame"
	"vomee-capture-go/internal/radar"
	"vomee-capture-go/internal/syncer"
)

type StreamCounts struct {
	Accepted uint64 `json:"accepted"`
	Dropped  uint64 `json:"dropped"`
}

// Summary is the session metadata document. It is written once when the
// session starts and rewritten atomically when it finalizes.
type Summary struct {
	SessionID       string                  `json:"session_id"`
	UUID            string                  `json:"uuid"`
	Dir             string                  `json:"dir"`
	StartTime       time.Time               `json:"start_time"`
	EndTime         *time.Time              `json:"end_time,omitempty"`
	DurationSeconds float64                 `json:"duration_seconds"`
	FrameCount      uint64                  `json:"frame_count"`
	Adc             frame.AdcParams         `json:"adc_params"`
	AngleBins       int                     `json:"angle_bins"`
	Window          bool                    `json:"window"`
	SyncToleranceMs float64                 `json:"sync_tolerance_ms"`
	SyncPolicy      string                  `json:"sync_partial_policy"`
	WriterPolicy    string                  `json:"writer_policy"`
	Streams         map[string]StreamCounts `json:"streams"`
	RadarPath       []radar.PathChange      `json:"radar_path_history,omitempty"`
	SyncStats       *syncer.Stats           `json:"sync_stats,omitempty"`
	Error           string                  `json:"error,omitempty"`
	Notes           string                  `json:"notes,omitempty"`
}

func (r *Recorder) buildSummary(s *session, end time.Time) Summary {
	summary := Summary{
		SessionID:       s.id,
		UUID:            s.uuid,
		Dir:             s.dir,
		StartTime:       s.start,
		FrameCount:      s.frameNum,
		Adc:             r.cfg.Adc,
		AngleBins:       r.cfg.AngleBins,
		Window:          r.cfg.Window,
		SyncToleranceMs: r.cfg.SyncToleranceMs,
		SyncPolicy:      r.cfg.SyncPartialPolicy,
		WriterPolicy:    r.cfg.WriterPolicy,
		Streams:         make(map[string]StreamCounts, len(s.workers)),
		Notes:           strings.Join(s.notes, "\n"),
	}
	if !end.IsZero() {
		summary.EndTime = &end
		summary.DurationSeconds = end.Sub(s.start).Seconds()
	}
	for name, w := range s.workers {
		summary.Streams[name] = StreamCounts{Accepted: w.c.accepted.Load(), Dropped: w.c.dropped.Load()}
	}
	if r.radarPathFn != nil {
		summary.RadarPath = r.radarPathFn()
	}
	if r.syncStatsFn != nil {
		stats := r.syncStatsFn()
		summary.SyncStats = &stats
	}
	if s.err != nil {
		summary.Error = s.err.Error()
	}
	return summary
}

// writeMetadata persists metadata.json through a temp file and rename so
// a crash never leaves a truncated document behind.
func writeMetadata(dir string, summary Summary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, "metadata.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
