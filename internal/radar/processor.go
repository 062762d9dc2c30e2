// Package radar turns raw ADC cubes into range-doppler and range-azimuth
// heatmaps through a three-axis FFT chain, using hardware-accelerated
// transforms when a handle is available and gonum otherwise.
package radar

import (
	"context"
	"errors"
	"log"
	"math"
	"sync/atomic"
	"time"

	"vomee-capture-go/internal/frame"
)

type Config struct {
	Adc            frame.AdcParams
	AngleBins      int
	Window         bool
	DopplerAzimuth bool
	FramePeriod    time.Duration
	QueueDepth     int
}

type Stats struct {
	Processed uint64 `json:"processed"`
	Dropped   uint64 `json:"dropped"`
	Timeouts  uint64 `json:"timeouts"`
	Malformed uint64 `json:"malformed"`
}

// Processor is single-worker: the transform bank and scratch buffers are
// not safe for concurrent Process calls. Pipelining happens across the
// bounded input queue, not inside a frame.
type Processor struct {
	cfg  Config
	bank *bank

	cube    []complex128 // [chirps][angleBins][samples], row-major
	axisSrc []complex128
	axisDst []complex128
	window  []float64
	rdSum   []float64 // [chirps][samples]
	raSum   []float64 // [angleBins][samples]
	daSum   []float64 // [chirps][angleBins]

	processed atomic.Uint64
	dropped   atomic.Uint64
	timeouts  atomic.Uint64
	malformed atomic.Uint64
}

func New(cfg Config, accel Accelerator) *Processor {
	if cfg.AngleBins == 0 {
		cfg.AngleBins = 256
	}
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = 100
	}
	c, a, r := cfg.Adc.Chirps, cfg.AngleBins, cfg.Adc.Samples
	axis := c
	if a > axis {
		axis = a
	}
	if r > axis {
		axis = r
	}
	p := &Processor{
		cfg:     cfg,
		bank:    newBank(accel),
		cube:    make([]complex128, c*a*r),
		axisSrc: make([]complex128, axis),
		axisDst: make([]complex128, axis),
		rdSum:   make([]float64, c*r),
		raSum:   make([]float64, a*r),
	}
	if cfg.DopplerAzimuth {
		p.daSum = make([]float64, c*a)
	}
	if cfg.Window {
		p.window = hann(r)
	}
	return p
}

func (p *Processor) Path() Path {
	return p.bank.Path()
}

func (p *Processor) PathHistory() []PathChange {
	return p.bank.History()
}

func (p *Processor) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Dropped:   p.dropped.Load(),
		Timeouts:  p.timeouts.Load(),
		Malformed: p.malformed.Load(),
	}
}

// Process runs the full chain on one cube. A mid-frame accelerated
// failure demotes the bank and the frame is rerun entirely on the
// software path, so every emitted heatmap comes from a single path.
func (p *Processor) Process(raw frame.RawAdcFrame) (*frame.RadarProduct, error) {
	if err := p.cfg.Adc.ValidateCube(len(raw.Data) * p.cfg.Adc.Bytes); err != nil {
		p.malformed.Add(1)
		return nil, err
	}
	product, err := p.processOnce(raw)
	if err != nil && errors.Is(err, frame.ErrAccelerationUnavailable) {
		product, err = p.processOnce(raw)
	}
	if err != nil {
		return nil, err
	}
	p.processed.Add(1)
	return product, nil
}

// Run consumes raw frames through a bounded drop-oldest queue and emits
// one product per frame that met the deadline. The feeder never blocks on
// a slow transform: beyond the queue depth the oldest queued frame is
// discarded first.
func (p *Processor) Run(ctx context.Context, in <-chan frame.RawAdcFrame) <-chan *frame.RadarProduct {
	out := make(chan *frame.RadarProduct, 4)
	q := make(chan frame.RawAdcFrame, p.cfg.QueueDepth)

	go func() {
		defer close(q)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-in:
				if !ok {
					return
				}
				select {
				case q <- raw:
				default:
					select {
					case <-q:
						p.dropped.Add(1)
					default:
					}
					select {
					case q <- raw:
					default:
						p.dropped.Add(1)
					}
				}
			}
		}
	}()

	go func() {
		defer close(out)
		for raw := range q {
			start := time.Now()
			product, err := p.Process(raw)
			if err != nil {
				continue
			}
			if p.cfg.FramePeriod > 0 && time.Since(start) > p.cfg.FramePeriod {
				p.timeouts.Add(1)
				log.Printf("radar: %v: frame %d took %v", frame.ErrProcessingTimeout, raw.Seq, time.Since(start))
				continue
			}
			select {
			case <-ctx.Done():
				return
			case out <- product:
			}
		}
	}()

	return out
}

func (p *Processor) processOnce(raw frame.RawAdcFrame) (*frame.RadarProduct, error) {
	p.deinterleave(raw.Data)
	if err := p.fftChain(); err != nil {
		return nil, err
	}
	p.accumulate()

	c, a, r := p.cfg.Adc.Chirps, p.cfg.AngleBins, p.cfg.Adc.Samples
	product := &frame.RadarProduct{
		Seq:          raw.Seq,
		Timestamp:    raw.Timestamp,
		RangeDoppler: p.heatmap(p.rdSum, c, r, true),
		RangeAzimuth: p.heatmap(p.raSum, a, r, true),
	}
	product.RangeDoppler.Seq, product.RangeDoppler.Timestamp = raw.Seq, raw.Timestamp
	product.RangeAzimuth.Seq, product.RangeAzimuth.Timestamp = raw.Seq, raw.Timestamp
	if p.cfg.DopplerAzimuth {
		product.DopplerAzimuth = p.heatmap(p.daSum, c, a, false)
		product.DopplerAzimuth.Seq, product.DopplerAzimuth.Timestamp = raw.Seq, raw.Timestamp
	}
	return product, nil
}

// deinterleave unpacks the wire layout (chirp, tx, rx, sample pair, I/Q,
// pair half) into a complex cube over (chirp, virtual antenna, sample),
// zero-padding the azimuth axis to AngleBins. Only the first two transmit
// antennas form the virtual array.
func (p *Processor) deinterleave(data []int16) {
	adc := p.cfg.Adc
	c, a, r := adc.Chirps, p.cfg.AngleBins, adc.Samples
	half := r / 2
	tx := adc.Tx
	if tx > 2 {
		tx = 2
	}
	for i := range p.cube {
		p.cube[i] = 0
	}
	for ci := 0; ci < c; ci++ {
		for t := 0; t < tx; t++ {
			for x := 0; x < adc.Rx; x++ {
				base := (((ci*adc.Tx+t)*adc.Rx + x) * half) * 4
				out := (ci*a + t*adc.Rx + x) * r
				for s := 0; s < r; s++ {
					s2, h := s>>1, s&1
					re := float64(data[base+4*s2+h])
					im := float64(data[base+4*s2+2+h])
					if p.window != nil {
						w := p.window[s]
						re *= w
						im *= w
					}
					p.cube[out+s] = complex(re, im)
				}
			}
		}
	}
}

// fftChain applies the separable 3-D FFT: range samples, then chirps
// (doppler), then the zero-padded virtual array (azimuth). Rows beyond
// the virtual array stay zero through the first two passes.
func (p *Processor) fftChain() error {
	adc := p.cfg.Adc
	c, a, r := adc.Chirps, p.cfg.AngleBins, adc.Samples
	v := adc.VirtualAntennas()

	for ci := 0; ci < c; ci++ {
		for vi := 0; vi < v; vi++ {
			seg := p.cube[(ci*a+vi)*r : (ci*a+vi)*r+r]
			copy(p.axisSrc[:r], seg)
			if err := p.bank.forward(r, p.axisDst[:r], p.axisSrc[:r]); err != nil {
				return err
			}
			copy(seg, p.axisDst[:r])
		}
	}

	for vi := 0; vi < v; vi++ {
		for ri := 0; ri < r; ri++ {
			for ci := 0; ci < c; ci++ {
				p.axisSrc[ci] = p.cube[(ci*a+vi)*r+ri]
			}
			if err := p.bank.forward(c, p.axisDst[:c], p.axisSrc[:c]); err != nil {
				return err
			}
			for ci := 0; ci < c; ci++ {
				p.cube[(ci*a+vi)*r+ri] = p.axisDst[ci]
			}
		}
	}

	for ci := 0; ci < c; ci++ {
		for ri := 0; ri < r; ri++ {
			for ai := 0; ai < a; ai++ {
				p.axisSrc[ai] = p.cube[(ci*a+ai)*r+ri]
			}
			if err := p.bank.forward(a, p.axisDst[:a], p.axisSrc[:a]); err != nil {
				return err
			}
			for ai := 0; ai < a; ai++ {
				p.cube[(ci*a+ai)*r+ri] = p.axisDst[ai]
			}
		}
	}
	return nil
}

// accumulate folds the spectrum power into the three marginal sums in one
// pass, applying the doppler and azimuth frequency shifts by index so the
// zero bin lands in the center of those axes.
func (p *Processor) accumulate() {
	c, a, r := p.cfg.Adc.Chirps, p.cfg.AngleBins, p.cfg.Adc.Samples
	for i := range p.rdSum {
		p.rdSum[i] = 0
	}
	for i := range p.raSum {
		p.raSum[i] = 0
	}
	for i := range p.daSum {
		p.daSum[i] = 0
	}
	cShift := c - c/2
	aShift := a - a/2
	for cOut := 0; cOut < c; cOut++ {
		cIn := (cOut + cShift) % c
		for aOut := 0; aOut < a; aOut++ {
			aIn := (aOut + aShift) % a
			base := (cIn*a + aIn) * r
			for ri := 0; ri < r; ri++ {
				val := p.cube[base+ri]
				pw := real(val)*real(val) + imag(val)*imag(val)
				p.rdSum[cOut*r+ri] += pw
				p.raSum[aOut*r+ri] += pw
				if p.daSum != nil {
					p.daSum[cOut*a+aOut] += pw
				}
			}
		}
	}
}

// heatmap builds log10(sum) transposed, normalized to [0,1], optionally
// flipped along the output row (range) axis.
func (p *Processor) heatmap(sum []float64, srcRows, srcCols int, flip bool) *frame.Heatmap {
	rows, cols := srcCols, srcRows
	vals := make([]float64, rows*cols)
	min, max := math.Inf(1), math.Inf(-1)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v := math.Log10(sum[j*srcCols+i])
			vals[i*cols+j] = v
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
	}
	scale := max - min + 1e-10
	out := make([]float32, rows*cols)
	for i := 0; i < rows; i++ {
		src := i
		if flip {
			src = rows - 1 - i
		}
		for j := 0; j < cols; j++ {
			out[i*cols+j] = float32((vals[src*cols+j] - min) / scale)
		}
	}
	return &frame.Heatmap{Rows: rows, Cols: cols, Values: out}
}

func hann(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}
