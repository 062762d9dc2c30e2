package recorder

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"

	"vomee-capture-go/internal/cborarray"
	"vomee-capture-go/internal/frame"
)

type task struct {
	frameNum uint64
	raw      *frame.RawAdcFrame
	set      *frame.SyncedSet
	row      *timelineRow
}

type counters struct {
	accepted atomic.Uint64
	dropped  atomic.Uint64
}

// sink is one stream's on-disk representation.
type sink interface {
	write(t task) error
	close() error
}

// worker drains one bounded queue to its sink. Exactly one of accepted or
// dropped is incremented per enqueued unit: accepted when the write
// lands, dropped when the unit is displaced, refused, or discarded after
// the sink has failed.
type worker struct {
	name    string
	q       chan task
	s       sink
	c       *counters
	block   time.Duration // 0 means drop-oldest
	onError func(error)
	done    chan struct{}
	failed  bool
}

func newWorker(name string, s sink, depth int, block time.Duration, onError func(error)) *worker {
	w := &worker{
		name:    name,
		q:       make(chan task, depth),
		s:       s,
		c:       &counters{},
		block:   block,
		onError: onError,
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *worker) run() {
	defer close(w.done)
	for t := range w.q {
		if w.failed {
			w.c.dropped.Add(1)
			continue
		}
		if err := w.s.write(t); err != nil {
			w.failed = true
			w.c.dropped.Add(1)
			w.onError(fmt.Errorf("%w: %s: %v", frame.ErrStorageWriteFailure, w.name, err))
			continue
		}
		w.c.accepted.Add(1)
	}
	if err := w.s.close(); err != nil && !w.failed {
		w.onError(fmt.Errorf("%w: %s: %v", frame.ErrStorageWriteFailure, w.name, err))
	}
}

// enqueue applies the configured backpressure policy. It never blocks
// longer than the block window and never grows the queue past its depth.
func (w *worker) enqueue(t task) {
	if w.block > 0 {
		select {
		case w.q <- t:
		default:
			select {
			case w.q <- t:
			case <-time.After(w.block):
				w.c.dropped.Add(1)
			}
		}
		return
	}
	select {
	case w.q <- t:
	default:
		select {
		case <-w.q:
			w.c.dropped.Add(1)
		default:
		}
		select {
		case w.q <- t:
		default:
			w.c.dropped.Add(1)
		}
	}
}

// drain closes the queue and waits up to timeout for the worker to finish.
func (w *worker) drain(timeout time.Duration) bool {
	close(w.q)
	select {
	case <-w.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

const rawChunkMagic = "VOMERAW1"

// rawSink appends fixed-length radar chunks: an 8-byte magic once, then
// per record a 16-byte header (seq uint64 LE, timestamp float64 bits LE)
// followed by exactly one cube of int16 LE samples.
type rawSink struct {
	adc frame.AdcParams
	f   *os.File
	w   *bufio.Writer
	buf []byte
}

func newRawSink(path string, adc frame.AdcParams) (*rawSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriterSize(f, 1024*1024)
	if _, err := w.WriteString(rawChunkMagic); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &rawSink{adc: adc, f: f, w: w, buf: make([]byte, adc.FrameBytes())}, nil
}

func (s *rawSink) write(t task) error {
	raw := t.raw
	if err := s.adc.ValidateCube(len(raw.Data) * s.adc.Bytes); err != nil {
		return err
	}
	var header [16]byte
	binary.LittleEndian.PutUint64(header[:8], raw.Seq)
	binary.LittleEndian.PutUint64(header[8:16], math.Float64bits(raw.Timestamp))
	if _, err := s.w.Write(header[:]); err != nil {
		return err
	}
	for i, v := range raw.Data {
		binary.LittleEndian.PutUint16(s.buf[i*2:], uint16(v))
	}
	if _, err := s.w.Write(s.buf); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *rawSink) close() error {
	if err := s.w.Flush(); err != nil {
		_ = s.f.Close()
		return err
	}
	return s.f.Close()
}

type heatmapRecord struct {
	Seq       uint64   `cbor:"seq"`
	Timestamp float64  `cbor:"ts"`
	Rows      int      `cbor:"rows"`
	Cols      int      `cbor:"cols"`
	Data      cbor.Tag `cbor:"data"`
}

// heatmapSink writes one tagged-array file per heatmap product under
// heatmaps/rd and heatmaps/ra (and heatmaps/da when enabled).
type heatmapSink struct {
	dir string
}

func (s *heatmapSink) write(t task) error {
	p := t.set.Radar
	if err := s.writeOne("rd", t.frameNum, p.RangeDoppler); err != nil {
		return err
	}
	if err := s.writeOne("ra", t.frameNum, p.RangeAzimuth); err != nil {
		return err
	}
	if p.DopplerAzimuth != nil {
		return s.writeOne("da", t.frameNum, p.DopplerAzimuth)
	}
	return nil
}

func (s *heatmapSink) writeOne(kind string, frameNum uint64, h *frame.Heatmap) error {
	data, err := cborarray.Float32(h.Rows, h.Cols, h.Values)
	if err != nil {
		return err
	}
	payload, err := cbor.Marshal(heatmapRecord{
		Seq:       h.Seq,
		Timestamp: h.Timestamp,
		Rows:      h.Rows,
		Cols:      h.Cols,
		Data:      data,
	})
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, kind, fmt.Sprintf("%05d.cb", frameNum))
	return os.WriteFile(path, payload, 0o644)
}

func (s *heatmapSink) close() error { return nil }

type cameraRecord struct {
	Timestamp float64  `cbor:"ts"`
	Width     int      `cbor:"width"`
	Height    int      `cbor:"height"`
	Pixels    cbor.Tag `cbor:"pixels"`
}

type cameraSink struct {
	dir string
}

func (s *cameraSink) write(t task) error {
	c := t.set.Camera
	pixels, err := cborarray.Uint8(c.Height, c.Width, c.Pixels)
	if err != nil {
		return err
	}
	payload, err := cbor.Marshal(cameraRecord{
		Timestamp: c.Timestamp,
		Width:     c.Width,
		Height:    c.Height,
		Pixels:    pixels,
	})
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, fmt.Sprintf("%05d.cb", t.frameNum))
	return os.WriteFile(path, payload, 0o644)
}

func (s *cameraSink) close() error { return nil }

type skeletonRecord struct {
	Timestamp float64          `json:"timestamp"`
	Landmarks []frame.Landmark `json:"landmarks"`
}

type skeletonSink struct {
	dir string
}

func (s *skeletonSink) write(t task) error {
	sk := t.set.Skeleton
	payload, err := json.Marshal(skeletonRecord{Timestamp: sk.Timestamp, Landmarks: sk.Landmarks})
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, fmt.Sprintf("%05d.json", t.frameNum))
	return os.WriteFile(path, payload, 0o644)
}

func (s *skeletonSink) close() error { return nil }

type timelineRow struct {
	frameNum   uint64
	ref        float64
	radarTs    string
	cameraTs   string
	skeletonTs string
	offsetMs   float64
}

// timelineSink appends one CSV row per accepted set, in acceptance order.
type timelineSink struct {
	f *os.File
	w *bufio.Writer
}

func newTimelineSink(path string) (*timelineSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriter(f)
	if _, err := w.WriteString("frame_num,ref_ts,radar_ts,camera_ts,skeleton_ts,offset_ms\n"); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &timelineSink{f: f, w: w}, nil
}

func (s *timelineSink) write(t task) error {
	r := t.row
	if _, err := fmt.Fprintf(s.w, "%d,%.6f,%s,%s,%s,%.2f\n",
		r.frameNum, r.ref, r.radarTs, r.cameraTs, r.skeletonTs, r.offsetMs); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *timelineSink) close() error {
	if err := s.w.Flush(); err != nil {
		_ = s.f.Close()
		return err
	}
	return s.f.Close()
}

