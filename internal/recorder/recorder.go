// Package recorder owns the session lifecycle and the persistence
// pipeline. A session is a directory tree of raw chunks, heatmap and
// camera records, skeleton files, a CSV timeline and a metadata
// document, each stream written by its own bounded worker.
package recorder

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"vomee-capture-go/internal/config"
	"vomee-capture-go/internal/frame"
	"vomee-capture-go/internal/radar"
	"vomee-capture-go/internal/syncer"
)

type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StateStopping  State = "stopping"
)

const drainTimeout = 5 * time.Second

// Recorder is the session state machine. Start and Stop drive the
// transitions; Admit and AdmitRaw feed the active session and are
// rejected outside the recording state.
type Recorder struct {
	cfg config.Config

	mu      sync.Mutex
	state   State
	session *session

	// Snapshot callbacks resolved at stop time for session metadata.
	radarPathFn func() []radar.PathChange
	syncStatsFn func() syncer.Stats
}

type session struct {
	id       string
	uuid     string
	dir      string
	start    time.Time
	frameNum uint64
	notes    []string
	err      error
	workers  map[string]*worker
	draining bool

	// Tracks admits between the state check and their enqueues, so Stop
	// never closes a queue under an in-flight admit.
	inflight sync.WaitGroup
}

func New(cfg config.Config) *Recorder {
	return &Recorder{cfg: cfg, state: StateIdle}
}

// SetRadarPathFn registers the source of the transform path history
// recorded in session metadata.
func (r *Recorder) SetRadarPathFn(fn func() []radar.PathChange) {
	r.radarPathFn = fn
}

func (r *Recorder) SetSyncStatsFn(fn func() syncer.Stats) {
	r.syncStatsFn = fn
}

func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start creates the session directory tree, opens every stream worker
// and moves to the recording state. Starting while a session is active
// is an error and leaves the active session untouched.
func (r *Recorder) Start() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateIdle {
		return "", fmt.Errorf("%w: start while %s", frame.ErrInvalidStateTransition, r.state)
	}

	now := time.Now()
	id := "session_" + now.Format("20060102_150405")
	dir := filepath.Join(r.cfg.OutputDir, id)
	s := &session{
		id:      id,
		uuid:    uuid.NewString(),
		dir:     dir,
		start:   now,
		workers: make(map[string]*worker),
	}

	if err := s.open(r.cfg, r.fail); err != nil {
		s.closeAll()
		return "", fmt.Errorf("%w: %v", frame.ErrStorageWriteFailure, err)
	}

	if err := writeMetadata(s.dir, r.buildSummary(s, time.Time{})); err != nil {
		s.closeAll()
		return "", fmt.Errorf("%w: %v", frame.ErrStorageWriteFailure, err)
	}

	r.session = s
	r.state = StateRecording
	log.Printf("recorder: session %s started at %s", s.uuid, dir)
	return dir, nil
}

func (s *session) open(cfg config.Config, onError func(error)) error {
	dirs := []string{s.dir}
	if cfg.EnableRadar {
		dirs = append(dirs, filepath.Join(s.dir, "heatmaps", "rd"), filepath.Join(s.dir, "heatmaps", "ra"))
		if cfg.DopplerAzimuth {
			dirs = append(dirs, filepath.Join(s.dir, "heatmaps", "da"))
		}
		if cfg.RecordRaw {
			dirs = append(dirs, filepath.Join(s.dir, "raw"))
		}
	}
	if cfg.EnableCamera {
		dirs = append(dirs, filepath.Join(s.dir, "camera"))
	}
	if cfg.EnableSkeleton {
		dirs = append(dirs, filepath.Join(s.dir, "skeleton"))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}

	block := time.Duration(0)
	if cfg.WriterPolicy == config.BackpressureBlock {
		block = cfg.WriterBlock()
	}
	depth := cfg.WriterQueue

	timeline, err := newTimelineSink(filepath.Join(s.dir, "timestamps.csv"))
	if err != nil {
		return err
	}
	s.workers["timeline"] = newWorker("timeline", timeline, depth, block, onError)

	if cfg.EnableRadar {
		s.workers["radar"] = newWorker("radar", &heatmapSink{dir: filepath.Join(s.dir, "heatmaps")}, depth, block, onError)
		if cfg.RecordRaw {
			raw, err := newRawSink(filepath.Join(s.dir, "raw", "mmwave.bin"), cfg.Adc)
			if err != nil {
				return err
			}
			s.workers["raw"] = newWorker("raw", raw, depth, block, onError)
		}
	}
	if cfg.EnableCamera {
		s.workers["camera"] = newWorker("camera", &cameraSink{dir: filepath.Join(s.dir, "camera")}, depth, block, onError)
	}
	if cfg.EnableSkeleton {
		s.workers["skeleton"] = newWorker("skeleton", &skeletonSink{dir: filepath.Join(s.dir, "skeleton")}, depth, block, onError)
	}
	return nil
}

func (s *session) closeAll() {
	for _, w := range s.workers {
		w.drain(drainTimeout)
	}
}

// fail records the first storage error and moves the session to the
// stopping state so no further sets are admitted. Finalization still
// happens through Stop.
func (r *Recorder) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRecording || r.session == nil {
		return
	}
	log.Printf("recorder: storage failure, stopping session: %v", err)
	r.session.err = err
	r.state = StateStopping
}

// Admit enqueues one synchronized set for persistence. It reports
// whether the set was taken; sets offered outside the recording state
// are refused.
func (r *Recorder) Admit(set *frame.SyncedSet) bool {
	r.mu.Lock()
	if r.state != StateRecording {
		r.mu.Unlock()
		return false
	}
	s := r.session
	s.frameNum++
	n := s.frameNum
	s.inflight.Add(1)
	r.mu.Unlock()
	defer s.inflight.Done()

	row := &timelineRow{
		frameNum:   n,
		ref:        set.Ref,
		radarTs:    "",
		cameraTs:   "",
		skeletonTs: "",
		offsetMs:   set.MaxOffset * 1000,
	}
	if set.Radar != nil {
		row.radarTs = fmt.Sprintf("%.6f", set.Radar.Timestamp)
		if w := s.workers["radar"]; w != nil {
			w.enqueue(task{frameNum: n, set: set})
		}
	}
	if set.Camera != nil {
		row.cameraTs = fmt.Sprintf("%.6f", set.Camera.Timestamp)
		if w := s.workers["camera"]; w != nil {
			w.enqueue(task{frameNum: n, set: set})
		}
	}
	if set.Skeleton != nil {
		row.skeletonTs = fmt.Sprintf("%.6f", set.Skeleton.Timestamp)
		if w := s.workers["skeleton"]; w != nil {
			w.enqueue(task{frameNum: n, set: set})
		}
	}
	s.workers["timeline"].enqueue(task{frameNum: n, row: row})
	return true
}

// AdmitRaw enqueues one raw ADC cube for the raw chunk stream.
func (r *Recorder) AdmitRaw(raw frame.RawAdcFrame) bool {
	r.mu.Lock()
	if r.state != StateRecording {
		r.mu.Unlock()
		return false
	}
	s := r.session
	w := s.workers["raw"]
	s.inflight.Add(1)
	r.mu.Unlock()
	defer s.inflight.Done()
	if w == nil {
		return false
	}
	w.enqueue(task{raw: &raw})
	return true
}

// AddNote appends a free-form annotation stored in session metadata.
func (r *Recorder) AddNote(note string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session != nil {
		r.session.notes = append(r.session.notes, note)
	}
}

// Stop drains all workers, finalizes metadata and returns the session
// summary. Stopping with no active session is a no-op that returns an
// empty summary.
func (r *Recorder) Stop() (Summary, error) {
	r.mu.Lock()
	if r.state == StateIdle || r.session == nil || r.session.draining {
		r.mu.Unlock()
		return Summary{}, nil
	}
	r.state = StateStopping
	s := r.session
	s.draining = true
	r.mu.Unlock()

	s.inflight.Wait()
	for name, w := range s.workers {
		if !w.drain(drainTimeout) {
			log.Printf("recorder: %s worker did not drain in time", name)
		}
	}

	summary := r.buildSummary(s, time.Now())
	err := writeMetadata(s.dir, summary)
	if err == nil {
		err = s.err
	} else if s.err != nil {
		err = errors.Join(s.err, err)
	}

	r.mu.Lock()
	r.session = nil
	r.state = StateIdle
	r.mu.Unlock()

	log.Printf("recorder: session %s stopped, %d frames, %d streams", s.uuid, s.frameNum, len(summary.Streams))
	return summary, err
}

// Status reports the state machine and per-stream counters for the
// control surface.
func (r *Recorder) Status() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := map[string]any{"state": string(r.state)}
	if r.session != nil {
		status["session_id"] = r.session.id
		status["uuid"] = r.session.uuid
		status["dir"] = r.session.dir
		status["frames"] = r.session.frameNum
		streams := make(map[string]StreamCounts, len(r.session.workers))
		for name, w := range r.session.workers {
			streams[name] = StreamCounts{Accepted: w.c.accepted.Load(), Dropped: w.c.dropped.Load()}
		}
		status["streams"] = streams
	}
	return status
}
