// Package syncer matches free-running per-modality frame streams into
// jointly-timestamped sets under a bounded tolerance. All matching state
// is owned by the single Run goroutine; the input and output channels are
// the only synchronization points.
package syncer

import (
	"context"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"vomee-capture-go/internal/frame"
)

type Config struct {
	Tolerance   float64 // seconds, max pairwise offset
	Wait        time.Duration
	QueueDepth  int
	PartialEmit bool // false drops unmatched frames at timeout
	Radar       bool
	Camera      bool
	Skeleton    bool
}

type Stats struct {
	EmittedFull    uint64  `json:"emitted_full"`
	EmittedPartial uint64  `json:"emitted_partial"`
	Dropped        uint64  `json:"dropped"`
	LastOffsetMs   float64 `json:"last_offset_ms"`
	MaxOffsetMs    float64 `json:"max_offset_ms"`
}

type entry struct {
	ts      float64
	arrived time.Time
	payload any
}

type Syncer struct {
	cfg     Config
	mods    []frame.Modality
	pending map[frame.Modality][]entry
	lastRef float64

	emittedFull    atomic.Uint64
	emittedPartial atomic.Uint64
	dropped        atomic.Uint64

	offMu      sync.Mutex
	lastOffset float64
	maxOffset  float64
}

func New(cfg Config) *Syncer {
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 32
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 200 * time.Millisecond
	}
	s := &Syncer{cfg: cfg, pending: make(map[frame.Modality][]entry)}
	if cfg.Radar {
		s.mods = append(s.mods, frame.ModalityRadar)
	}
	if cfg.Camera {
		s.mods = append(s.mods, frame.ModalityCamera)
	}
	if cfg.Skeleton {
		s.mods = append(s.mods, frame.ModalitySkeleton)
	}
	for _, m := range s.mods {
		s.pending[m] = nil
	}
	return s
}

func (s *Syncer) Stats() Stats {
	s.offMu.Lock()
	last, max := s.lastOffset, s.maxOffset
	s.offMu.Unlock()
	return Stats{
		EmittedFull:    s.emittedFull.Load(),
		EmittedPartial: s.emittedPartial.Load(),
		Dropped:        s.dropped.Load(),
		LastOffsetMs:   last * 1000,
		MaxOffsetMs:    max * 1000,
	}
}

// Run consumes the enabled modality streams until all of them close or
// ctx is cancelled. Disabled modalities may pass nil channels. Remaining
// pending frames are resolved through the timeout policy before the
// output channel closes.
func (s *Syncer) Run(
	ctx context.Context,
	radarIn <-chan *frame.RadarProduct,
	cameraIn <-chan *frame.CameraFrame,
	skeletonIn <-chan *frame.SkeletonFrame,
) <-chan *frame.SyncedSet {
	out := make(chan *frame.SyncedSet, 4)

	go func() {
		defer close(out)

		tick := s.cfg.Wait / 4
		if tick < 5*time.Millisecond {
			tick = 5 * time.Millisecond
		}
		ticker := time.NewTicker(tick)
		defer ticker.Stop()

		if !s.cfg.Radar {
			radarIn = nil
		}
		if !s.cfg.Camera {
			cameraIn = nil
		}
		if !s.cfg.Skeleton {
			skeletonIn = nil
		}

		for radarIn != nil || cameraIn != nil || skeletonIn != nil {
			select {
			case <-ctx.Done():
				return
			case p, ok := <-radarIn:
				if !ok {
					radarIn = nil
					continue
				}
				s.arrive(ctx, out, frame.ModalityRadar, p.Timestamp, p)
			case c, ok := <-cameraIn:
				if !ok {
					cameraIn = nil
					continue
				}
				s.arrive(ctx, out, frame.ModalityCamera, c.Timestamp, c)
			case sk, ok := <-skeletonIn:
				if !ok {
					skeletonIn = nil
					continue
				}
				s.arrive(ctx, out, frame.ModalitySkeleton, sk.Timestamp, sk)
			case <-ticker.C:
				s.expire(ctx, out, time.Now())
			}
		}

		// Inputs are done; everything still pending is past waiting for.
		s.expire(ctx, out, time.Now().Add(2*s.cfg.Wait))
	}()

	return out
}

func (s *Syncer) arrive(ctx context.Context, out chan<- *frame.SyncedSet, mod frame.Modality, ts float64, payload any) {
	// A frame older than the last emitted reference can no longer join
	// any set without breaking emission order.
	if ts < s.lastRef {
		s.dropped.Add(1)
		return
	}

	q := s.pending[mod]
	q = append(q, entry{ts: ts, arrived: time.Now(), payload: payload})
	if len(q) > s.cfg.QueueDepth {
		q = q[1:]
		s.dropped.Add(1)
	}
	s.pending[mod] = q

	s.tryMatch(ctx, out, mod, len(s.pending[mod])-1)
}

// tryMatch anchors a candidate set at pending[mod][idx], taking the
// nearest-timestamp entry from every other enabled modality. Ties go to
// the earlier frame. The set is valid only if the spread between the
// earliest and latest candidate is within tolerance.
func (s *Syncer) tryMatch(ctx context.Context, out chan<- *frame.SyncedSet, mod frame.Modality, idx int) {
	anchor := s.pending[mod][idx]
	picked := map[frame.Modality]int{mod: idx}
	for _, m := range s.mods {
		if m == mod {
			continue
		}
		i, ok := nearest(s.pending[m], anchor.ts)
		if !ok {
			return
		}
		picked[m] = i
	}

	lo, hi := anchor.ts, anchor.ts
	for m, i := range picked {
		ts := s.pending[m][i].ts
		if ts < lo {
			lo = ts
		}
		if ts > hi {
			hi = ts
		}
	}
	if hi-lo > s.cfg.Tolerance {
		return
	}

	s.emit(ctx, out, picked, lo, hi-lo, nil)
}

// expire resolves pending entries that have waited past the timeout,
// oldest reference timestamp first so emission order is preserved.
func (s *Syncer) expire(ctx context.Context, out chan<- *frame.SyncedSet, now time.Time) {
	for {
		mod := frame.Modality("")
		best := -1
		for _, m := range s.mods {
			for i, e := range s.pending[m] {
				if now.Sub(e.arrived) <= s.cfg.Wait {
					break
				}
				if best == -1 || e.ts < s.pending[mod][best].ts {
					mod, best = m, i
				}
				break // queues are timestamp-ordered; only the head can be oldest
			}
		}
		if best == -1 {
			return
		}

		if !s.cfg.PartialEmit {
			ts := s.pending[mod][best].ts
			s.pending[mod] = append(s.pending[mod][:best], s.pending[mod][best+1:]...)
			s.dropped.Add(1)
			log.Printf("syncer: %v: dropped %s frame at %.6f", frame.ErrSyncTimeout, mod, ts)
			continue
		}

		anchor := s.pending[mod][best]
		picked := map[frame.Modality]int{mod: best}
		var missing []frame.Modality

		type cand struct {
			mod  frame.Modality
			idx  int
			dist float64
		}
		var cands []cand
		for _, m := range s.mods {
			if m == mod {
				continue
			}
			i, ok := nearest(s.pending[m], anchor.ts)
			if !ok {
				missing = append(missing, m)
				continue
			}
			d := s.pending[m][i].ts - anchor.ts
			if d < 0 {
				d = -d
			}
			if d > s.cfg.Tolerance {
				missing = append(missing, m)
				continue
			}
			cands = append(cands, cand{mod: m, idx: i, dist: d})
		}
		sort.Slice(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })

		lo, hi := anchor.ts, anchor.ts
		for _, c := range cands {
			ts := s.pending[c.mod][c.idx].ts
			nlo, nhi := lo, hi
			if ts < nlo {
				nlo = ts
			}
			if ts > nhi {
				nhi = ts
			}
			if nhi-nlo > s.cfg.Tolerance {
				missing = append(missing, c.mod)
				continue
			}
			lo, hi = nlo, nhi
			picked[c.mod] = c.idx
		}

		s.emit(ctx, out, picked, lo, hi-lo, missing)
	}
}

// emit builds the set, consumes the picked entries, prunes every queue of
// entries older than the reference, and advances the order watermark.
func (s *Syncer) emit(ctx context.Context, out chan<- *frame.SyncedSet, picked map[frame.Modality]int, ref, offset float64, missing []frame.Modality) {
	set := &frame.SyncedSet{Ref: ref, MaxOffset: offset, Missing: missing}
	for m, i := range picked {
		switch m {
		case frame.ModalityRadar:
			set.Radar = s.pending[m][i].payload.(*frame.RadarProduct)
		case frame.ModalityCamera:
			set.Camera = s.pending[m][i].payload.(*frame.CameraFrame)
		case frame.ModalitySkeleton:
			set.Skeleton = s.pending[m][i].payload.(*frame.SkeletonFrame)
		}
	}

	for m, i := range picked {
		q := s.pending[m]
		s.pending[m] = append(q[:i], q[i+1:]...)
	}
	for _, m := range s.mods {
		q := s.pending[m]
		kept := q[:0]
		for _, e := range q {
			if e.ts < ref {
				s.dropped.Add(1)
				continue
			}
			kept = append(kept, e)
		}
		s.pending[m] = kept
	}

	s.lastRef = ref
	if len(missing) == 0 {
		s.emittedFull.Add(1)
	} else {
		s.emittedPartial.Add(1)
	}
	s.offMu.Lock()
	s.lastOffset = offset
	if offset > s.maxOffset {
		s.maxOffset = offset
	}
	s.offMu.Unlock()

	select {
	case <-ctx.Done():
	case out <- set:
	}
}

// nearest returns the index of the entry closest to ts. Entries are in
// non-decreasing timestamp order, so the first best match is also the
// earliest, which settles exact ties.
func nearest(q []entry, ts float64) (int, bool) {
	if len(q) == 0 {
		return 0, false
	}
	best := 0
	bestDist := dist(q[0].ts, ts)
	for i := 1; i < len(q); i++ {
		d := dist(q[i].ts, ts)
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return best, true
}

func dist(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}
