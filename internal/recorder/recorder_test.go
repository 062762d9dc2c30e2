package recorder

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"vomee-capture-go/internal/cborarray"
	"vomee-capture-go/internal/config"
	"vomee-capture-go/internal/frame"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Adc = frame.AdcParams{Chirps: 2, Rx: 2, Tx: 2, Samples: 4, IQ: 2, Bytes: 2}
	cfg.AngleBins = 8
	cfg.OutputDir = t.TempDir()
	return cfg
}

func fullSet(seq uint64, ts float64) *frame.SyncedSet {
	hm := func() *frame.Heatmap {
		return &frame.Heatmap{Seq: seq, Timestamp: ts, Rows: 2, Cols: 2, Values: []float32{0, 0.25, 0.5, 1}}
	}
	return &frame.SyncedSet{
		Ref:       ts,
		MaxOffset: 0.002,
		Radar:     &frame.RadarProduct{Seq: seq, Timestamp: ts, RangeDoppler: hm(), RangeAzimuth: hm()},
		Camera:    &frame.CameraFrame{Timestamp: ts, Width: 2, Height: 2, Pixels: []byte{1, 2, 3, 4}},
		Skeleton:  &frame.SkeletonFrame{Timestamp: ts, Landmarks: []frame.Landmark{{X: 0.1, Y: 0.2, Z: 0.3, Confidence: 0.9}}},
	}
}

func TestSessionLifecycle(t *testing.T) {
	cfg := testConfig(t)
	r := New(cfg)

	if r.State() != StateIdle {
		t.Fatalf("initial state: %v", r.State())
	}
	dir, err := r.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if r.State() != StateRecording {
		t.Fatalf("state after start: %v", r.State())
	}
	if _, err := r.Start(); !errors.Is(err, frame.ErrInvalidStateTransition) {
		t.Fatalf("second start: %v", err)
	}

	for _, sub := range []string{"heatmaps/rd", "heatmaps/ra", "raw", "camera", "skeleton"} {
		if _, err := os.Stat(filepath.Join(dir, sub)); err != nil {
			t.Fatalf("missing %s: %v", sub, err)
		}
	}

	if !r.Admit(fullSet(1, 10.0)) {
		t.Fatalf("admit refused while recording")
	}
	r.AddNote("subject seated")

	summary, err := r.Stop()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if r.State() != StateIdle {
		t.Fatalf("state after stop: %v", r.State())
	}
	if summary.FrameCount != 1 {
		t.Fatalf("frame count: %d", summary.FrameCount)
	}
	if summary.Notes != "subject seated" {
		t.Fatalf("notes: %q", summary.Notes)
	}
	if summary.UUID == "" || summary.EndTime == nil {
		t.Fatalf("incomplete summary: %+v", summary)
	}
	for _, stream := range []string{"radar", "camera", "skeleton", "timeline"} {
		c := summary.Streams[stream]
		if c.Accepted != 1 || c.Dropped != 0 {
			t.Fatalf("%s counters: %+v", stream, c)
		}
	}

	// Stop with no session is a no-op.
	summary, err = r.Stop()
	if err != nil || summary.FrameCount != 0 || summary.UUID != "" {
		t.Fatalf("idle stop: %+v %v", summary, err)
	}
}

func TestPersistedArtifacts(t *testing.T) {
	cfg := testConfig(t)
	r := New(cfg)
	dir, err := r.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	r.Admit(fullSet(7, 42.5))
	if _, err := r.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	var rec struct {
		Seq  uint64          `cbor:"seq"`
		Ts   float64         `cbor:"ts"`
		Rows int             `cbor:"rows"`
		Cols int             `cbor:"cols"`
		Data cbor.RawMessage `cbor:"data"`
	}
	payload, err := os.ReadFile(filepath.Join(dir, "heatmaps", "rd", "00001.cb"))
	if err != nil {
		t.Fatalf("read heatmap: %v", err)
	}
	if err := cbor.Unmarshal(payload, &rec); err != nil {
		t.Fatalf("decode heatmap record: %v", err)
	}
	if rec.Seq != 7 || rec.Ts != 42.5 || rec.Rows != 2 || rec.Cols != 2 {
		t.Fatalf("heatmap record header: %+v", rec)
	}
	var arr any
	if err := cbor.Unmarshal(rec.Data, &arr); err != nil {
		t.Fatalf("decode tagged array: %v", err)
	}
	rows, cols, values, err := cborarray.DecodeFloat32(arr)
	if err != nil {
		t.Fatalf("unwrap heatmap data: %v", err)
	}
	if rows != 2 || cols != 2 || values[3] != 1 {
		t.Fatalf("heatmap data: %dx%d %v", rows, cols, values)
	}

	var sk struct {
		Timestamp float64          `json:"timestamp"`
		Landmarks []frame.Landmark `json:"landmarks"`
	}
	payload, err = os.ReadFile(filepath.Join(dir, "skeleton", "00001.json"))
	if err != nil {
		t.Fatalf("read skeleton: %v", err)
	}
	if err := json.Unmarshal(payload, &sk); err != nil {
		t.Fatalf("decode skeleton: %v", err)
	}
	if sk.Timestamp != 42.5 || len(sk.Landmarks) != 1 || sk.Landmarks[0].Confidence != 0.9 {
		t.Fatalf("skeleton record: %+v", sk)
	}

	csv, err := os.ReadFile(filepath.Join(dir, "timestamps.csv"))
	if err != nil {
		t.Fatalf("read timeline: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(csv)), "\n")
	if len(lines) != 2 {
		t.Fatalf("timeline lines: %v", lines)
	}
	if !strings.HasPrefix(lines[0], "frame_num,ref_ts,") {
		t.Fatalf("timeline header: %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "1,42.500000,42.500000,42.500000,42.500000,2.00") {
		t.Fatalf("timeline row: %q", lines[1])
	}

	var meta Summary
	payload, err = os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		t.Fatalf("read metadata: %v", err)
	}
	if err := json.Unmarshal(payload, &meta); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if meta.FrameCount != 1 || meta.EndTime == nil || meta.Adc.Chirps != 2 {
		t.Fatalf("metadata: %+v", meta)
	}
}

func TestRawChunkFormat(t *testing.T) {
	cfg := testConfig(t)
	r := New(cfg)
	dir, err := r.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	data := make([]int16, cfg.Adc.FrameSamples())
	for i := range data {
		data[i] = int16(i - 3)
	}
	if !r.AdmitRaw(frame.RawAdcFrame{Seq: 5, Timestamp: 2.25, Data: data}) {
		t.Fatalf("raw admit refused")
	}
	if _, err := r.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	payload, err := os.ReadFile(filepath.Join(dir, "raw", "mmwave.bin"))
	if err != nil {
		t.Fatalf("read raw chunk: %v", err)
	}
	want := len(rawChunkMagic) + 16 + cfg.Adc.FrameBytes()
	if len(payload) != want {
		t.Fatalf("raw chunk length %d, want %d", len(payload), want)
	}
	if string(payload[:8]) != rawChunkMagic {
		t.Fatalf("raw chunk magic: %q", payload[:8])
	}
	if seq := binary.LittleEndian.Uint64(payload[8:16]); seq != 5 {
		t.Fatalf("raw record seq: %d", seq)
	}
	if ts := math.Float64frombits(binary.LittleEndian.Uint64(payload[16:24])); ts != 2.25 {
		t.Fatalf("raw record timestamp: %v", ts)
	}
	for i, v := range data {
		got := int16(binary.LittleEndian.Uint16(payload[24+i*2:]))
		if got != v {
			t.Fatalf("sample %d: got %d want %d", i, got, v)
		}
	}
}

func TestAdmitRejectedWhileIdle(t *testing.T) {
	r := New(testConfig(t))
	if r.Admit(fullSet(1, 1.0)) {
		t.Fatalf("admit accepted while idle")
	}
	if r.AdmitRaw(frame.RawAdcFrame{}) {
		t.Fatalf("raw admit accepted while idle")
	}
}

func TestWriteFailureStopsSession(t *testing.T) {
	cfg := testConfig(t)
	r := New(cfg)
	dir, err := r.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Make skeleton writes fail by removing their directory.
	if err := os.RemoveAll(filepath.Join(dir, "skeleton")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	set := fullSet(1, 1.0)
	set.Radar = nil
	set.Camera = nil
	r.Admit(set)

	deadline := time.Now().Add(2 * time.Second)
	for r.State() != StateStopping {
		if time.Now().After(deadline) {
			t.Fatalf("session never stopped on write failure, state %v", r.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if r.Admit(fullSet(2, 2.0)) {
		t.Fatalf("admit accepted while stopping")
	}

	summary, err := r.Stop()
	if !errors.Is(err, frame.ErrStorageWriteFailure) {
		t.Fatalf("stop error: %v", err)
	}
	if summary.Error == "" {
		t.Fatalf("summary missing error flag")
	}
	if c := summary.Streams["skeleton"]; c.Accepted != 0 || c.Dropped != 1 {
		t.Fatalf("skeleton counters: %+v", c)
	}
}

func TestCountersReconcile(t *testing.T) {
	cfg := testConfig(t)
	cfg.WriterQueue = 2
	r := New(cfg)
	if _, err := r.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	const n = 20
	for i := 0; i < n; i++ {
		r.Admit(fullSet(uint64(i), float64(i)))
	}
	summary, err := r.Stop()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	for _, stream := range []string{"radar", "camera", "skeleton", "timeline"} {
		c := summary.Streams[stream]
		if c.Accepted+c.Dropped != n {
			t.Fatalf("%s counters do not reconcile: %+v", stream, c)
		}
	}
}

func TestBlockPolicyBoundsWaitAndReconciles(t *testing.T) {
	cfg := testConfig(t)
	cfg.WriterPolicy = config.BackpressureBlock
	cfg.WriterQueue = 1
	cfg.WriterBlockMs = 10
	r := New(cfg)
	if _, err := r.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	const n = 30
	start := time.Now()
	for i := 0; i < n; i++ {
		if !r.Admit(fullSet(uint64(i), float64(i))) {
			t.Fatalf("admit %d refused", i)
		}
	}
	elapsed := time.Since(start)

	// Each enqueue waits at most WriterBlockMs before dropping, so the
	// whole burst is bounded even with a queue of one. Four enqueues per
	// admit, doubled for scheduling slop.
	if limit := time.Duration(n*4*2) * cfg.WriterBlock(); elapsed > limit {
		t.Fatalf("admits took %v, want under %v", elapsed, limit)
	}

	summary, err := r.Stop()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	for _, stream := range []string{"radar", "camera", "skeleton", "timeline"} {
		c := summary.Streams[stream]
		if c.Accepted+c.Dropped != n {
			t.Fatalf("%s counters do not reconcile: %+v", stream, c)
		}
		if c.Accepted == 0 {
			t.Fatalf("%s accepted nothing under block policy: %+v", stream, c)
		}
	}
}
